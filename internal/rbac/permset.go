// Package rbac holds the pure parts of permission resolution: the effective
// permission set, the per-principal cache, data-scope expressions and the
// cross-instance invalidation bus.
package rbac

import (
	"sort"
	"strings"
)

// WildcardCode is how the wildcard appears in token claims and API output.
// Inside the process the wildcard is the All flag, never this string.
const WildcardCode = "*"

// PermissionSet is an immutable set of permission codes, optionally
// carrying the wildcard that satisfies every check.
type PermissionSet struct {
	all   bool
	codes map[string]struct{}
}

// NewPermissionSet builds a set from concrete codes. A "*" entry is
// ignored; use WildcardSet for the top-level role.
func NewPermissionSet(codes ...string) PermissionSet {
	s := PermissionSet{codes: make(map[string]struct{}, len(codes))}
	for _, c := range codes {
		if c == "" || c == WildcardCode {
			continue
		}
		s.codes[c] = struct{}{}
	}
	return s
}

// WildcardSet builds a set holding the wildcard plus the given codes.
func WildcardSet(codes ...string) PermissionSet {
	s := NewPermissionSet(codes...)
	s.all = true
	return s
}

// All reports whether the set carries the wildcard.
func (s PermissionSet) All() bool {
	return s.all
}

// Has reports whether code is granted.
func (s PermissionSet) Has(code string) bool {
	if s.all {
		return true
	}
	_, ok := s.codes[code]
	return ok
}

// HasAny is true if at least one code is granted. No codes means false.
func (s PermissionSet) HasAny(codes ...string) bool {
	if s.all {
		return true
	}
	for _, c := range codes {
		if _, ok := s.codes[c]; ok {
			return true
		}
	}
	return false
}

// HasAll is true if every code is granted. No codes means true.
func (s PermissionSet) HasAll(codes ...string) bool {
	if s.all {
		return true
	}
	for _, c := range codes {
		if _, ok := s.codes[c]; !ok {
			return false
		}
	}
	return true
}

// HasModule reports whether any granted code starts with "module:".
func (s PermissionSet) HasModule(module string) bool {
	if s.all {
		return true
	}
	prefix := module + ":"
	for c := range s.codes {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// Missing returns the codes from the argument that are not granted.
func (s PermissionSet) Missing(codes ...string) []string {
	if s.all {
		return nil
	}
	var missing []string
	for _, c := range codes {
		if _, ok := s.codes[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}

// Len is the number of concrete codes.
func (s PermissionSet) Len() int {
	return len(s.codes)
}

// Codes returns the concrete codes sorted.
func (s PermissionSet) Codes() []string {
	out := make([]string, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ClaimCodes is Codes with WildcardCode prepended when the wildcard is held,
// for the legacy permissions claim.
func (s PermissionSet) ClaimCodes() []string {
	codes := s.Codes()
	if s.all {
		return append([]string{WildcardCode}, codes...)
	}
	return codes
}

// Equal compares two sets including the wildcard flag.
func (s PermissionSet) Equal(o PermissionSet) bool {
	if s.all != o.all || len(s.codes) != len(o.codes) {
		return false
	}
	for c := range s.codes {
		if _, ok := o.codes[c]; !ok {
			return false
		}
	}
	return true
}
