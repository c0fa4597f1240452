// Package policy maps a caller's role to the token bucket it is limited by.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AlexKimmel/tollgate/internal/ratelimit"
)

const (
	RoleAdmin     = "admin"
	RoleEditor    = "editor"
	RoleUser      = "user"
	RoleAnonymous = "anonymous"
)

var ErrInvalidPolicy = errors.New("invalid limit policy")

// DefaultTable is the built-in role table.
func DefaultTable() map[string]ratelimit.Policy {
	return map[string]ratelimit.Policy{
		RoleAdmin:     {MaxTokens: 1000, RefillRatePerSecond: 10},
		RoleEditor:    {MaxTokens: 500, RefillRatePerSecond: 5},
		RoleUser:      {MaxTokens: 100, RefillRatePerSecond: 1},
		RoleAnonymous: {MaxTokens: 60, RefillRatePerSecond: 1},
	}
}

// Resolver is an immutable role -> policy table.
type Resolver struct {
	table     map[string]ratelimit.Policy
	anonymous ratelimit.Policy
}

// New copies table with lower-cased keys. The table must contain an
// anonymous entry, every policy must be valid and no two keys may differ
// only in case or surrounding space.
func New(table map[string]ratelimit.Policy) (*Resolver, error) {
	r := &Resolver{table: make(map[string]ratelimit.Policy, len(table))}
	for role, p := range table {
		name := normalize(role)
		if name == "" {
			return nil, fmt.Errorf("%w: empty role name", ErrInvalidPolicy)
		}
		if _, dup := r.table[name]; dup {
			return nil, fmt.Errorf("%w: role %q is defined more than once", ErrInvalidPolicy, name)
		}
		if !p.Valid() {
			return nil, fmt.Errorf("%w: role %q: maxTokens=%d refillRatePerSecond=%g",
				ErrInvalidPolicy, name, p.MaxTokens, p.RefillRatePerSecond)
		}
		r.table[name] = p
	}
	anon, ok := r.table[RoleAnonymous]
	if !ok {
		return nil, fmt.Errorf("%w: no %q policy", ErrInvalidPolicy, RoleAnonymous)
	}
	r.anonymous = anon
	return r, nil
}

// MustDefault returns a resolver over DefaultTable.
func MustDefault() *Resolver {
	r, err := New(DefaultTable())
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the policy for role. Case and surrounding space are
// ignored; an empty or unknown role gets the anonymous policy.
func (r *Resolver) Resolve(role string) ratelimit.Policy {
	if p, ok := r.table[normalize(role)]; ok {
		return p
	}
	return r.anonymous
}

// Roles lists the configured role names.
func (r *Resolver) Roles() []string {
	out := make([]string, 0, len(r.table))
	for name := range r.table {
		out = append(out, name)
	}
	return out
}

func normalize(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
