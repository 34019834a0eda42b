package utils

import (
	"net/url"
	"strconv"
)

// ClampInt parses a query-string integer, falling back when absent or
// malformed and clamping the result into [min, max].
func ClampInt(raw string, fallback, min, max int) int {
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if parsed < min {
		return min
	}
	if parsed > max {
		return max
	}
	return parsed
}

// LogURL returns the URL as-is, or an obfuscated form when obfuscation is on.
// Upstream URLs routinely embed account tokens in the path, so raw URLs only
// belong in logs when the operator explicitly opts in.
func LogURL(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL masks the path, query and fragment of a URL, keeping just
// scheme and host.
//
// Example: "http://example.com/secret/stream.m3u8?token=abc" -> "http://example.com/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
