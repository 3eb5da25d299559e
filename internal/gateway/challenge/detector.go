package challenge

import (
	"strings"

	"golang.org/x/net/html"
)

var defaultTitles = []string{
	"just a moment",
	"checking your browser",
	"ddos-guard",
	"please wait",
	"attention required",
}

// Body phrases are specific enough not to appear on ordinary pages
var defaultPhrases = []string{
	"checking if the site connection is secure",
	"verify you are human by completing the action below",
	"needs to review the security of your connection before proceeding",
	"enable javascript and cookies to continue",
	"ddos protection by",
}

var defaultSelectors = []string{
	"#cf-challenge-running",
	"#challenge-running",
	"#challenge-stage",
	"#turnstile-wrapper",
	"#cf-wrapper",
	"#cf-spinner-please-wait",
	"#cf-spinner-redirecting",
}

// Detector recognizes challenge interstitials by page title, by body text
// phrases and by element id or class markers. Selectors are "#id" or ".class".
type Detector struct {
	titles  []string
	phrases []string
	ids     map[string]bool
	classes map[string]bool
}

// NewDetector adds extra titles, selectors and body phrases to the built-in set
func NewDetector(extraTitles, extraSelectors, extraPhrases []string) *Detector {
	d := &Detector{
		titles:  normalizeMarkers(defaultTitles, extraTitles),
		phrases: normalizeMarkers(defaultPhrases, extraPhrases),
		ids:     make(map[string]bool),
		classes: make(map[string]bool),
	}

	for _, sel := range append(append([]string{}, defaultSelectors...), extraSelectors...) {
		sel = strings.TrimSpace(sel)
		switch {
		case strings.HasPrefix(sel, "#") && len(sel) > 1:
			d.ids[sel[1:]] = true
		case strings.HasPrefix(sel, ".") && len(sel) > 1:
			d.classes[sel[1:]] = true
		}
	}

	return d
}

func normalizeMarkers(defaults, extra []string) []string {
	var out []string
	for _, m := range append(append([]string{}, defaults...), extra...) {
		if m = collapseSpace(strings.ToLower(m)); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Detect returns the first marker found, or "" when the page looks clear
func (d *Detector) Detect(state PageState) string {
	if marker := d.matchTitle(state.Title); marker != "" {
		return marker
	}
	return d.scanHTML(state.HTML)
}

func (d *Detector) matchTitle(title string) string {
	lower := strings.ToLower(title)
	for _, t := range d.titles {
		if strings.Contains(lower, t) {
			return "title:" + t
		}
	}
	return ""
}

func (d *Detector) matchPhrase(text string) string {
	lower := collapseSpace(strings.ToLower(text))
	if lower == "" {
		return ""
	}
	for _, p := range d.phrases {
		if strings.Contains(lower, p) {
			return "text:" + p
		}
	}
	return ""
}

// scanHTML streams tokens so large pages are not built into a tree
func (d *Detector) scanHTML(doc string) string {
	if doc == "" {
		return ""
	}

	z := html.NewTokenizer(strings.NewReader(doc))
	inTitle := false
	inCode := false // script or style

	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			inTitle = string(name) == "title"
			inCode = string(name) == "script" || string(name) == "style"
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if marker := d.matchAttr(string(key), string(val)); marker != "" {
					return marker
				}
			}

		case html.TextToken:
			switch {
			case inTitle:
				if marker := d.matchTitle(string(z.Text())); marker != "" {
					return marker
				}
			case !inCode:
				if marker := d.matchPhrase(string(z.Text())); marker != "" {
					return marker
				}
			}

		case html.EndTagToken:
			inTitle = false
			inCode = false
		}
	}
}

func (d *Detector) matchAttr(key, val string) string {
	switch key {
	case "id":
		if d.ids[val] {
			return "#" + val
		}
	case "class":
		for _, class := range strings.Fields(val) {
			if d.classes[class] {
				return "." + class
			}
		}
	}
	return ""
}
