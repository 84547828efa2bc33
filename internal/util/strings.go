package util

import (
	"net/url"
	"strings"
)

// SafeTruncate truncates s to at most maxLen bytes without panicking.
// A negative maxLen yields "".
//
//	SafeTruncate("Mozilla/5.0 (X11; Linux x86_64)", 7) // "Mozilla"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeOrigin reduces an Origin or Referer value to "scheme://host[:port]"
// in lower case, so "https://App.example.com/" and
// "https://app.example.com/settings?tab=1" compare equal. It returns "" for
// values that are not absolute http(s) URLs, including the literal "null"
// origin sent by sandboxed frames.
func NormalizeOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	return scheme + "://" + strings.ToLower(u.Host)
}
