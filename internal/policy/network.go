package policy

import (
	"net/url"
	"strings"
)

// ExtractHost returns the lowercased host of a URL or bare host[:port] string.
// It returns "" when nothing host-like can be parsed.
func ExtractHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		return normalizeHost(u.Hostname())
	}

	return normalizeHost(stripPort(raw))
}

// MatchDomain reports whether host matches pattern. Patterns are exact
// domains or "*."-prefixed suffixes; "*.example.com" matches
// "api.example.com" but not "example.com" itself.
func MatchDomain(host, pattern string) bool {
	host = normalizeHost(host)
	pattern = normalizeHost(pattern)
	if host == "" || pattern == "" {
		return false
	}

	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*"); ok && strings.HasPrefix(suffix, ".") {
		return strings.HasSuffix(host, suffix) && len(host) > len(suffix)
	}
	return host == pattern
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(h), ".")
}

// stripPort removes the port from a host:port string.
func stripPort(host string) string {
	// Handle IPv6 addresses in brackets: [::1]:8080
	if strings.HasPrefix(host, "[") {
		if idx := strings.LastIndex(host, "]"); idx != -1 {
			return host[1:idx]
		}
	}

	// Bare IPv6 addresses contain multiple colons
	if strings.Count(host, ":") > 1 {
		return host
	}

	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}

	// Drop any path component from host-like strings ("example.com/x")
	if idx := strings.Index(host, "/"); idx != -1 {
		return host[:idx]
	}

	return host
}
