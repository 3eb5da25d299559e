package challenge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetector_Detect(t *testing.T) {
	d := NewDetector([]string{"Verifying you are human"}, []string{".bot-wall", "#guard"}, []string{"Access  denied by Shield"})

	tests := []struct {
		name   string
		state  PageState
		marker string
	}{
		{
			name:   "title from browser",
			state:  PageState{Title: "Just a moment..."},
			marker: "title:just a moment",
		},
		{
			name:   "title inside html",
			state:  PageState{HTML: "<html><head><title>Attention Required! | Cloudflare</title></head></html>"},
			marker: "title:attention required",
		},
		{
			name:   "challenge id",
			state:  PageState{Title: "example.com", HTML: `<html><body><div id="challenge-stage"></div></body></html>`},
			marker: "#challenge-stage",
		},
		{
			name:   "configured title",
			state:  PageState{Title: "Verifying you are human. This may take a few seconds."},
			marker: "title:verifying you are human",
		},
		{
			name:   "configured class among several",
			state:  PageState{HTML: `<div class="wrap bot-wall dark"></div>`},
			marker: ".bot-wall",
		},
		{
			name:   "configured id on self-closing tag",
			state:  PageState{HTML: `<input id="guard"/>`},
			marker: "#guard",
		},
		{
			name:  "clear page",
			state: PageState{Title: "Products", HTML: `<html><head><title>Products</title></head><body><div id="content" class="list"></div></body></html>`},
		},
		{
			name:  "marker text outside title is ignored",
			state: PageState{HTML: `<p>please wait while we load your cart</p>`},
		},
		{
			name:   "body phrase only",
			state:  PageState{Title: "example.com", HTML: `<html><body><h2>Checking if the site connection is secure</h2></body></html>`},
			marker: "text:checking if the site connection is secure",
		},
		{
			name:   "body phrase inside noscript with extra whitespace",
			state:  PageState{HTML: "<noscript>Enable JavaScript and\n   cookies to continue</noscript>"},
			marker: "text:enable javascript and cookies to continue",
		},
		{
			name:   "configured body phrase",
			state:  PageState{HTML: `<p>Access denied by shield. Retry later.</p>`},
			marker: "text:access denied by shield",
		},
		{
			name:  "body phrase inside script is ignored",
			state: PageState{HTML: `<script>var msg = "Checking if the site connection is secure";</script><p>ok</p>`},
		},
		{
			name:  "empty page",
			state: PageState{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.marker, d.Detect(tt.state))
		})
	}
}

func TestNewDetector_IgnoresMalformedSelectors(t *testing.T) {
	d := NewDetector([]string{"  "}, []string{"#", ".", "div", ""}, []string{" "})

	assert.Len(t, d.titles, len(defaultTitles))
	assert.Len(t, d.phrases, len(defaultPhrases))
	assert.Len(t, d.ids, len(defaultSelectors))
	assert.Empty(t, d.classes)
}
