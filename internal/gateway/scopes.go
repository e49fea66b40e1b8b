package gateway

// Scope is a named capability a connection carries and a Method requires,
// per spec.md §4.14.
type Scope string

const (
	ScopeRead      Scope = "read"
	ScopeWrite     Scope = "write"
	ScopeAdmin     Scope = "admin"
	ScopeApprovals Scope = "approvals"
	ScopePairing   Scope = "pairing"
	ScopeInvoke    Scope = "invoke"
	ScopeEvent     Scope = "event"
	ScopeControl   Scope = "control"
)

// ScopeSet is a small unordered set of Scopes, cheap to intersect.
type ScopeSet map[Scope]struct{}

// NewScopeSet builds a ScopeSet from a list, deduplicating as it goes.
func NewScopeSet(scopes ...Scope) ScopeSet {
	s := make(ScopeSet, len(scopes))
	for _, sc := range scopes {
		s[sc] = struct{}{}
	}
	return s
}

// Intersects reports whether s and other share at least one scope.
func (s ScopeSet) Intersects(other ScopeSet) bool {
	// Walk the smaller set.
	small, big := s, other
	if len(big) < len(small) {
		small, big = big, small
	}
	for sc := range small {
		if _, ok := big[sc]; ok {
			return true
		}
	}
	return false
}

// Intersect returns the scopes present in both s and other. A connection
// is never granted more than its authenticated token allows, no matter
// what it requests in its connect frame.
func (s ScopeSet) Intersect(other ScopeSet) ScopeSet {
	out := make(ScopeSet, len(s))
	for sc := range s {
		if _, ok := other[sc]; ok {
			out[sc] = struct{}{}
		}
	}
	return out
}

// List returns the scopes as a sorted-by-insertion-irrelevant slice, for
// echoing back in hello_ok.auth.scopes.
func (s ScopeSet) List() []string {
	out := make([]string, 0, len(s))
	for sc := range s {
		out = append(out, string(sc))
	}
	return out
}
