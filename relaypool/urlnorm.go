package relaypool

import (
	"net/url"
	"sort"
	"strings"
)

// NormalizeRelayURL canonicalizes a relay URL so that equivalent spellings
// resolve to the same connection: the scheme defaults to wss (http schemes
// map to their websocket counterparts), duplicate path slashes collapse, the
// trailing slash is stripped, query parameters are sorted, and any fragment
// is removed.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", NewError(InvalidURLError, "empty relay URL")
	}

	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", NewError(InvalidURLError, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "ws":
		parsed.Scheme = "ws"
	case "wss", "":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", NewError(InvalidURLError, "unsupported scheme "+parsed.Scheme)
	}

	if parsed.Host == "" {
		return "", NewError(InvalidURLError, "missing host in "+raw)
	}
	parsed.Host = strings.ToLower(parsed.Host)

	parsed.Path = collapseSlashes(parsed.Path)
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	parsed.RawPath = ""

	if parsed.RawQuery != "" {
		parsed.RawQuery = sortQuery(parsed.RawQuery)
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""

	return parsed.String(), nil
}

func collapseSlashes(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}

func sortQuery(rawQuery string) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for _, key := range keys {
		sorted := append([]string(nil), values[key]...)
		sort.Strings(sorted)
		for _, value := range sorted {
			if builder.Len() > 0 {
				builder.WriteByte('&')
			}
			builder.WriteString(url.QueryEscape(key))
			builder.WriteByte('=')
			builder.WriteString(url.QueryEscape(value))
		}
	}
	return builder.String()
}
