// Package util holds small string helpers shared across packages.
package util

import (
	"strings"
	"unicode/utf8"
)

// SafeTruncate truncates a string to at most maxLen bytes without splitting
// a UTF-8 sequence, appending "..." when anything was cut.
func SafeTruncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// SplitScopes splits a space-delimited scope string into scopes, dropping
// empty segments.
func SplitScopes(s string) []string {
	return strings.Fields(s)
}

// JoinScopes renders scopes as a space-delimited string.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// Dedupe returns the values with duplicates removed, first occurrence wins,
// order preserved.
func Dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Subset reports whether every value in sub is present in super, returning
// the first offender when not.
func Subset(sub, super []string) (string, bool) {
	allowed := make(map[string]struct{}, len(super))
	for _, v := range super {
		allowed[v] = struct{}{}
	}
	for _, v := range sub {
		if _, ok := allowed[v]; !ok {
			return v, false
		}
	}
	return "", true
}
