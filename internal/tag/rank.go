package tag

import (
	"slices"
	"strings"
)

// Compare orders tags by recency: newer versions sort higher. Tags without
// version information sort below versioned ones, ties fall back to the raw
// tag so the order stays deterministic.
func Compare(a, b Tag) int {
	switch {
	case a.Version != nil && b.Version != nil:
		if c := a.Version.Compare(*b.Version); c != 0 {
			return c
		}
	case a.Version != nil:
		return 1
	case b.Version != nil:
		return -1
	}

	return strings.Compare(a.Raw, b.Raw)
}

// Latest returns the n most recent tags of the given kind, newest first.
// When fewer than n exist, all of them are returned.
func Latest(tags []Tag, kind Kind, n int) []Tag {
	matching := make([]Tag, 0, len(tags))
	for _, t := range tags {
		if t.Kind == kind {
			matching = append(matching, t)
		}
	}

	slices.SortStableFunc(matching, func(a, b Tag) int { return Compare(b, a) })

	if n < len(matching) {
		matching = matching[:n]
	}

	return matching
}

// MatchingCycle keeps only tags built for the given software cycle.
func MatchingCycle(tags []Tag, cycle int) []Tag {
	out := make([]Tag, 0, len(tags))
	for _, t := range tags {
		if t.Cycle == cycle {
			out = append(out, t)
		}
	}

	return out
}
