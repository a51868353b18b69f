package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeEndpoints drops blank entries and prefixes bare host:port values
// with http://.
func NormalizeEndpoints(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "://") {
			entry = "http://" + entry
		}
		out = append(out, entry)
	}
	return out
}

// JoinURL appends escaped path segments to base and merges query into any
// query base already carries.
func JoinURL(base string, segments []string, query url.Values) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", base, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("endpoint %q has no scheme or host", base)
	}

	if len(segments) > 0 {
		rawBase := strings.TrimSuffix(parsed.EscapedPath(), "/")
		escaped := make([]string, len(segments))
		for i, segment := range segments {
			escaped[i] = url.PathEscape(segment)
		}
		rawPath := rawBase + "/" + strings.Join(escaped, "/")
		decoded, err := url.PathUnescape(rawPath)
		if err != nil {
			return "", fmt.Errorf("join path for %q: %w", base, err)
		}
		parsed.Path = decoded
		parsed.RawPath = rawPath
	}

	if len(query) > 0 {
		merged := parsed.Query()
		for key, values := range query {
			for _, value := range values {
				merged.Add(key, value)
			}
		}
		parsed.RawQuery = merged.Encode()
	}
	return parsed.String(), nil
}
