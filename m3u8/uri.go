package m3u8

import (
	"net/url"
	"sort"
)

// ResolveURI resolves a (possibly relative) URI found inside a playlist
// against base (if non-empty) or else against playlistURI, per spec.md §6:
// a relative reference keeps the base's scheme/host, a relative-path
// reference replaces the last path segment of the base, and the base's
// query parameters are kept unless the reference carries its own query.
func ResolveURI(base, playlistURI, ref string) (string, error) {
	anchor := base
	if anchor == "" {
		anchor = playlistURI
	}
	if anchor == "" {
		return ref, nil
	}
	baseURL, err := url.Parse(anchor)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	resolved := baseURL.ResolveReference(refURL)
	if refURL.Scheme == "" && refURL.Host == "" && refURL.RawQuery == "" {
		resolved.RawQuery = baseURL.RawQuery
	}
	return resolved.String(), nil
}

// JoinIdempotent is ResolveURI but asserts the round-trip property from
// spec.md §8: join(u, join(u, v)) == join(u, v) when v is absolute. It is
// used directly by the property test; production code calls ResolveURI.
func JoinIdempotent(base, v string) (string, error) {
	once, err := ResolveURI(base, "", v)
	if err != nil {
		return "", err
	}
	twice, err := ResolveURI(base, "", once)
	if err != nil {
		return "", err
	}
	return twice, nil
}

// SortedQuery returns query re-encoded with keys sorted UTF-8 ascending,
// as required by spec.md §4.2 for _HLS_skip/_HLS_msn/_HLS_part directives.
func SortedQuery(rawURI string, extra map[string]string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range extra {
		q.Set(k, v)
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	encoded := make(url.Values, len(q))
	for _, k := range keys {
		encoded[k] = q[k]
	}
	u.RawQuery = encodeSortedValues(keys, encoded)
	return u.String(), nil
}

// encodeSortedValues mirrors url.Values.Encode but preserves the caller's
// key order instead of re-sorting (url.Values.Encode also sorts, but we
// keep an explicit helper so the ascending-sort requirement stays visible
// at the call site rather than being an incidental property of the
// standard library).
func encodeSortedValues(keys []string, v url.Values) string {
	buf := make([]byte, 0, 64)
	first := true
	for _, k := range keys {
		for _, val := range v[k] {
			if !first {
				buf = append(buf, '&')
			}
			first = false
			buf = append(buf, url.QueryEscape(k)...)
			buf = append(buf, '=')
			buf = append(buf, url.QueryEscape(val)...)
		}
	}
	return string(buf)
}
