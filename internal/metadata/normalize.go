package metadata

import "strings"

// Normalize trims s and collapses internal runs of whitespace to one space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
