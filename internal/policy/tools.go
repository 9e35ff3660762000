package policy

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchToolPattern reports whether toolName matches pattern.
//
// "*" matches every tool, "prefix.*" matches any name starting with "prefix.",
// and other patterns are exact names or doublestar globs ("fs.read_*", "{a,b}").
func MatchToolPattern(pattern, toolName string) bool {
	if pattern == "*" {
		return true
	}
	if toolName == pattern {
		return true
	}

	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok && !hasMeta(prefix) {
		return strings.HasPrefix(toolName, prefix+".")
	}

	if !hasMeta(pattern) {
		return false
	}
	matched, err := doublestar.Match(pattern, toolName)
	return err == nil && matched
}

// ValidateToolPattern rejects empty or syntactically broken patterns.
func ValidateToolPattern(pattern string) bool {
	return pattern != "" && doublestar.ValidatePattern(pattern)
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}
