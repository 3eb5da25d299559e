package fingerprint

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
)

// Class is the routing complexity of a request
type Class int

const (
	// FastPath requests are served statelessly
	FastPath Class = iota
	// SessionRequired requests go through a persistent backend session
	SessionRequired
)

func (c Class) String() string {
	if c == SessionRequired {
		return "session"
	}
	return "fast"
}

const sessionKeyPrefix = "session|"

// Fingerprint is the derived cache key and routing class of one request
type Fingerprint struct {
	Key   string
	Class Class
}

// UsesSession reports whether the request must be routed through a session
func (f Fingerprint) UsesSession() bool {
	return f.Class == SessionRequired
}

// Deriver maps request URLs to fingerprints. It is pure and safe for concurrent use.
type Deriver struct {
	markerParams []string
	keyParams    []string
}

func NewDeriver(cfg configtypes.FingerprintConfig) *Deriver {
	return &Deriver{
		markerParams: append([]string(nil), cfg.MarkerParams...),
		keyParams:    append([]string(nil), cfg.KeyParams...),
	}
}

// Derive never fails and never returns an empty key for a non-empty URL.
//
// A URL carrying any marker parameter is session-required. Its key is the
// origin and path plus the designated key parameters only, so URLs differing
// in volatile parameters collapse together. When any key parameter is missing
// the raw URL is the key. Every other URL is fast-path and keyed by its
// normalized form; URLs that cannot be parsed are keyed by their raw text.
// Non-empty params are appended in sorted order.
func (d *Deriver) Derive(rawURL string, params map[string]string) Fingerprint {
	fp := d.derive(rawURL)
	fp.Key += encodeParams(params)
	return fp
}

func (d *Deriver) derive(rawURL string) Fingerprint {
	u, err := parseTarget(rawURL)
	if err != nil {
		return Fingerprint{Key: rawURL, Class: FastPath}
	}

	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return Fingerprint{Key: rawURL, Class: FastPath}
	}

	if !d.hasMarker(query) {
		u.RawQuery = encodeSorted(query)
		return Fingerprint{Key: u.String(), Class: FastPath}
	}

	significant := url.Values{}
	for _, name := range d.keyParams {
		values, ok := query[name]
		if !ok {
			return Fingerprint{Key: rawURL, Class: SessionRequired}
		}
		significant[name] = values
	}

	u.RawQuery = encodeSorted(significant)
	return Fingerprint{Key: sessionKeyPrefix + u.String(), Class: SessionRequired}
}

func (d *Deriver) hasMarker(query url.Values) bool {
	for _, name := range d.markerParams {
		if _, ok := query[name]; ok {
			return true
		}
	}
	return false
}

func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString("#")
		b.WriteString(url.QueryEscape(k))
		b.WriteString("=")
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// Hash is a short stable digest of a key for logs and metrics labels
func Hash(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}
