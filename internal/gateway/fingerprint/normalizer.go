package fingerprint

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Normalize converts an absolute http(s) URL to canonical form:
// lowercase scheme and host, default port and fragment removed,
// dot segments resolved, query parameters sorted.
func Normalize(rawURL string) (string, error) {
	u, err := parseTarget(rawURL)
	if err != nil {
		return "", err
	}

	u.RawQuery = normalizeQuery(u.RawQuery)
	return u.String(), nil
}

func parseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid URL: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid URL: missing host")
	}

	u.Host = strings.TrimSuffix(strings.ToLower(u.Host), ".")
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}

	u.Path = normalizePath(u.Path)
	u.RawPath = ""
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	return u, nil
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}

	var resolved []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
		default:
			resolved = append(resolved, part)
		}
	}

	result := "/" + strings.Join(resolved, "/")
	if len(result) > 1 && strings.HasSuffix(path, "/") {
		result += "/"
	}
	return result
}

// normalizeQuery sorts parameters by key, keeping value order within a key
func normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	return encodeSorted(values)
}

func encodeSorted(values url.Values) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		for _, value := range values[key] {
			if value == "" {
				parts = append(parts, url.QueryEscape(key))
			} else {
				parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
			}
		}
	}
	return strings.Join(parts, "&")
}
