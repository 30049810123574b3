package storage

import (
	"sort"
	"strings"
)

// fingerprint implements the canonical domain_set_fingerprint of
// spec.md §6.
func fingerprint(identifiers []string) string {
	normalized := make([]string, len(identifiers))
	for i, id := range identifiers {
		normalized[i] = strings.ToLower(id)
	}
	sort.Strings(normalized)
	return strings.Join(normalized, ",")
}
