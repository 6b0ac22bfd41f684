package utils

import (
	"strings"

	"golang.org/x/net/idna"
)

// CanonicalDomain returns a domain name in the form used for every comparison
// in rulesync:
// - Trimmed of surrounding whitespace
// - Without trailing dots
// - Internationalized labels converted to their ASCII (punycode) form
// - Lowercased
//
// Names the IDNA profile rejects are kept in their lowercased form so that
// validation can report them instead of silently rewriting them.
func CanonicalDomain(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimRight(name, ".")
	if name == "" {
		return ""
	}
	if ascii, err := idna.ToASCII(name); err == nil {
		name = ascii
	}
	return strings.ToLower(name)
}

// Suffixes returns name followed by each parent domain cut at a label
// boundary, most specific first: "a.b.c" -> ["a.b.c", "b.c", "c"].
func Suffixes(name string) []string {
	if name == "" {
		return nil
	}
	out := []string{name}
	for {
		i := strings.IndexByte(name, '.')
		if i < 0 || i == len(name)-1 {
			return out
		}
		name = name[i+1:]
		out = append(out, name)
	}
}
