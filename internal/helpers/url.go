package helpers

import (
	"errors"
	"net/url"
	"path"
	"sort"
	"strings"
)

var trackingQueryParams = map[string]struct{}{
	"gclid":   {},
	"dclid":   {},
	"fbclid":  {},
	"msclkid": {},
	"igshid":  {},
}

func isTrackingParam(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, drop := trackingQueryParams[lower]
	return drop
}

// Canonicalize normalises a URL string for fingerprinting and deduplication.
// Scheme and host are lowercased, default ports and fragments removed, path
// segments cleaned, tracking parameters (utm_*, fbclid, ...) stripped and the
// remaining query sorted deterministically. A missing scheme defaults to https.
func Canonicalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty url")
	}

	parsed, err := parseLenient(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)

	host := strings.ToLower(parsed.Host)
	if host == "" {
		return "", errors.New("url missing host")
	}
	if h, port, ok := strings.Cut(host, ":"); ok {
		if (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443") {
			host = h
		}
	}
	parsed.Host = host

	cleanPath := path.Clean(parsed.Path)
	if cleanPath == "." || cleanPath == "" {
		cleanPath = "/"
	}
	if cleanPath != "/" && strings.HasSuffix(parsed.Path, "/") && !strings.HasSuffix(cleanPath, "/") {
		cleanPath += "/"
	}
	parsed.Path = cleanPath
	parsed.Fragment = ""

	query := parsed.Query()
	for key := range query {
		if isTrackingParam(key) {
			query.Del(key)
		}
	}
	if len(query) == 0 {
		parsed.RawQuery = ""
	} else {
		for key, values := range query {
			sorted := append([]string(nil), values...)
			sort.Strings(sorted)
			query[key] = sorted
		}
		parsed.RawQuery = query.Encode() // Encode sorts by key
	}

	return parsed.String(), nil
}

// Domain returns the lowercased registrable host of a URL, without port or a
// leading www prefix. Used as the key for per-domain reliability weights.
func Domain(raw string) (string, error) {
	parsed, err := parseLenient(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Host)
	if host == "" {
		return "", errors.New("url missing host")
	}
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return strings.TrimPrefix(host, "www."), nil
}

// parseLenient parses raw into a url.URL, tolerating schemeless inputs like
// example.com/path or //example.com/path.
func parseLenient(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" && parsed.Host == "" {
		if strings.HasPrefix(raw, "//") {
			return url.Parse("https:" + raw)
		}
		return url.Parse("https://" + raw)
	}
	return parsed, nil
}
