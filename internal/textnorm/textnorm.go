// Package textnorm canonicalizes free-text bank descriptions so that the same
// purchase always produces the same bytes, regardless of upstream casing,
// unicode representation or whitespace.
package textnorm

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Clean returns the canonical form of a description: NFKC-normalized,
// lowercased, with runs of whitespace collapsed to single spaces.
func Clean(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}
