package policy

import (
	"errors"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MaxPathLength bounds paths accepted in tool arguments.
const MaxPathLength = 4096

var (
	// ErrPathTraversal is returned for paths containing a ".." element.
	ErrPathTraversal = errors.New("path traversal attempt")

	// ErrInvalidPath is returned for empty, relative, oversized or NUL-containing paths.
	ErrInvalidPath = errors.New("invalid path")
)

// CanonicalizePath normalizes a tool argument path into a clean absolute
// slash path. Any ".." element is refused rather than resolved.
func CanonicalizePath(p string) (string, error) {
	if p == "" || len(p) > MaxPathLength || strings.ContainsRune(p, 0) {
		return "", ErrInvalidPath
	}

	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}

	if !path.IsAbs(p) {
		return "", ErrInvalidPath
	}

	return path.Clean(p), nil
}

// PathAllowed reports whether the canonical path p sits under one of the
// allowlisted prefixes. Prefixes match on element boundaries, so "/workspace"
// admits "/workspace/a" but not "/workspacex". Entries with glob syntax are
// matched with doublestar instead.
func PathAllowed(p string, allowlist []string) bool {
	for _, allowed := range allowlist {
		allowed = strings.ReplaceAll(allowed, "\\", "/")
		if hasMeta(allowed) {
			if matched, err := doublestar.Match(allowed, p); err == nil && matched {
				return true
			}
			continue
		}

		prefix := path.Clean(allowed)
		if prefix == "/" || p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}
