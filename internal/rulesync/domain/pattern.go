package domain

import (
	"strings"

	"github.com/miekg/dns"

	"github.com/haukened/rr-rulesync/internal/rulesync/common/utils"
)

const wildcardPrefix = "*."

// Pattern is a compiled domain pattern.
//
// Both forms are apex-inclusive:
//   - "example.com" matches example.com and every subdomain of it
//   - "*.example.com" matches example.com and every subdomain of it
//
// The wildcard marker is kept so the pattern can be rendered the way the
// operator wrote it.
type Pattern struct {
	base     string
	wildcard bool
}

// NewPattern canonicalizes and validates raw.
func NewPattern(raw string) (Pattern, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Pattern{}, invalid("pattern", nil, "must not be empty")
	}
	p := Pattern{}
	if strings.HasPrefix(s, wildcardPrefix) {
		p.wildcard = true
		s = strings.TrimPrefix(s, wildcardPrefix)
	}
	p.base = utils.CanonicalDomain(s)
	if p.base == "" {
		return Pattern{}, invalid("pattern", raw, "must name a domain")
	}
	if strings.ContainsAny(p.base, "* \t") {
		return Pattern{}, invalid("pattern", raw, "wildcard is only allowed as a leading \"*.\" label")
	}
	if _, ok := dns.IsDomainName(p.base); !ok {
		return Pattern{}, invalid("pattern", raw, "not a valid domain name")
	}
	return p, nil
}

// MustPattern is like NewPattern but panics on error. Intended for tests and
// compile-time constants.
func MustPattern(raw string) Pattern {
	p, err := NewPattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether the queried name falls under the pattern.
// The query is canonicalized first (case, trailing dots, IDNA).
func (p Pattern) Matches(query string) bool {
	if p.base == "" {
		return false
	}
	q := utils.CanonicalDomain(query)
	if q == p.base {
		return true
	}
	return len(q) > len(p.base) && strings.HasSuffix(q, "."+p.base)
}

// Base returns the anchor domain of the pattern, without any wildcard marker.
func (p Pattern) Base() string { return p.base }

// Wildcard reports whether the pattern was written with a leading "*.".
func (p Pattern) Wildcard() bool { return p.wildcard }

// IsZero reports whether p is the zero Pattern.
func (p Pattern) IsZero() bool { return p.base == "" }

func (p Pattern) String() string {
	if p.wildcard {
		return wildcardPrefix + p.base
	}
	return p.base
}

func (p Pattern) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pattern) UnmarshalText(b []byte) error {
	parsed, err := NewPattern(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
