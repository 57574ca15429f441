package names

import (
	"fmt"
	"hash/crc32"
	"regexp"
	"sort"
	"strings"
)

const (
	maxNameLength = 63
	hashLength    = 10
)

// first and last symbols should be alphanumeric, but also can be an - symbol inside
var dns1123Re = regexp.MustCompile(`(^[^a-z0-9]+)|([^a-z0-9\-]+)|([^a-z0-9]+$)`)

// Make builds a DNS-1123 compatible object name from the given parts. Parts
// are lowercased, stripped of incompatible characters and joined with dashes.
// A crc32 suffix of the raw parts is always appended so that names stay
// unique after sanitization, and the result never exceeds 63 characters.
func Make(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}

	h := Hash(strings.Join(parts, "/"))

	sanitized := make([]string, 0, len(parts))
	total := 0
	for _, p := range parts {
		s := sanitize(p)
		if s == "" {
			continue
		}
		total += len(s)
		sanitized = append(sanitized, s)
	}

	budget := maxNameLength - hashLength - len(sanitized)
	if total > budget {
		sanitized = shorten(sanitized, budget)
	}

	return fmt.Sprintf("%s-%d", strings.Join(sanitized, "-"), h)
}

func sanitize(part string) string {
	return dns1123Re.ReplaceAllString(strings.ToLower(part), "")
}

func shorten(parts []string, budget int) []string {
	per := budget / len(parts)

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) > per {
			p = strings.TrimRight(p[:per], "-")
		}
		out = append(out, p)
	}

	return out
}

func Hash(str string) uint32 {
	return crc32.ChecksumIEEE([]byte(str))
}

// LabelMapHash hashes a label map independent of iteration order.
func LabelMapHash(m map[string]string) uint32 {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(m[k])
		b.WriteString(";")
	}

	return crc32.ChecksumIEEE([]byte(b.String()))
}
