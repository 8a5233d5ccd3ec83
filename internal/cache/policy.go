package cache

import (
	"fmt"

	"github.com/talgya/ecosim/internal/simerr"
)

// Policy decides when a cached value must be recomputed relative to the
// owner's step counter.
type Policy uint8

const (
	// ExpiresAtBirth keeps the first computed value for the owner's whole
	// lifetime.
	ExpiresAtBirth Policy = iota
	// ExpiresEveryStep recomputes whenever the owner's step has moved on.
	ExpiresEveryStep
)

var policyNames = map[Policy]string{
	ExpiresAtBirth:   "expiresAtBirth",
	ExpiresEveryStep: "expiresEveryStep",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Policy(%d)", uint8(p))
}

// ParsePolicy maps a configuration identifier to a Policy.
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("cache: unknown expiry policy %q: %w", s, simerr.ErrInvalidArgument)
}

// Stale reports whether a value computed at step recorded is out of date
// at step current.
func (p Policy) Stale(recorded, current uint64) bool {
	switch p {
	case ExpiresEveryStep:
		return recorded != current
	default:
		return false
	}
}

// MarshalText lets policies appear by name in YAML and JSON documents.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a policy name.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
