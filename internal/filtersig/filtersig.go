// Package filtersig computes canonical signatures for sets of content-filter
// descriptors. The signature is the cache and lookup key for processed images:
// two filter sets that normalize to the same signature are cache-equivalent.
package filtersig

import (
	"sort"
	"strings"
)

// CustomPrefix marks session-specific filter descriptors. Custom descriptors
// are passed through verbatim and are subject to looser matching rules than
// standing user preferences.
const CustomPrefix = "custom_"

// Normalize derives the canonical signature for a filter set. Empty entries
// are skipped, custom descriptors are kept verbatim, everything else is
// lower-cased and given exactly one trailing period. The result is
// order-independent: entries are sorted before joining.
func Normalize(filters []string) string {
	if len(filters) == 0 {
		return ""
	}
	formatted := make([]string, 0, len(filters))
	for _, f := range filters {
		if f == "" {
			continue
		}
		if strings.HasPrefix(f, CustomPrefix) {
			formatted = append(formatted, f)
			continue
		}
		f = strings.ToLower(f)
		if !strings.HasSuffix(f, ".") {
			f += "."
		}
		formatted = append(formatted, f)
	}
	sort.Strings(formatted)
	return strings.Join(formatted, " ")
}

// IsCustom reports whether a single descriptor carries the custom marker.
func IsCustom(filter string) bool {
	return strings.HasPrefix(filter, CustomPrefix)
}

// HasCustom reports whether any descriptor in the set carries the custom
// marker.
func HasCustom(filters []string) bool {
	for _, f := range filters {
		if IsCustom(f) {
			return true
		}
	}
	return false
}

// CustomInterventionType extracts the intervention-type fragment from a
// custom descriptor, e.g. "cartoonish" from "custom_cartoonish_a1b2".
// Returns "" for non-custom descriptors.
func CustomInterventionType(filter string) string {
	if !IsCustom(filter) {
		return ""
	}
	parts := strings.Split(filter, "_")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Equivalent reports whether two non-custom filter sets are equal after
// normalization (case, trailing periods, order).
func Equivalent(a, b []string) bool {
	return canonical(a) == canonical(b)
}

func canonical(filters []string) string {
	norm := make([]string, 0, len(filters))
	for _, f := range filters {
		norm = append(norm, strings.TrimRight(strings.ToLower(f), "."))
	}
	sort.Strings(norm)
	return strings.Join(norm, " ")
}
