package util

import (
	"sort"
	"strings"
)

// Key joins a prefix and parts with ':' separators.
func Key(prefix string, parts ...string) string {
	if len(parts) == 0 {
		return prefix
	}
	return prefix + ":" + strings.Join(parts, ":")
}

// MatchingKeys returns the keys sharing prefix, sorted for deterministic
// invalidation order. Matching is a plain string prefix test: "role-summary"
// matches "role-summary:all" and "role-summaryX" alike.
func MatchingKeys[V any](m map[string]V, prefix string) []string {
	var out []string
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
