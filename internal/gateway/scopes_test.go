package gateway

import "testing"

func TestScopeSetIntersects(t *testing.T) {
	a := NewScopeSet(ScopeRead, ScopeWrite)
	b := NewScopeSet(ScopeWrite, ScopeAdmin)
	if !a.Intersects(b) {
		t.Fatal("expected overlap on ScopeWrite")
	}

	c := NewScopeSet(ScopeApprovals)
	if a.Intersects(c) {
		t.Fatal("expected no overlap")
	}

	empty := NewScopeSet()
	if a.Intersects(empty) {
		t.Fatal("intersecting with an empty set must be false")
	}
}

func TestScopeSetDeduplicates(t *testing.T) {
	s := NewScopeSet(ScopeRead, ScopeRead, ScopeWrite)
	if len(s) != 2 {
		t.Fatalf("expected 2 distinct scopes, got %d", len(s))
	}
}

func TestScopeSetIntersectNarrowsNeverWidens(t *testing.T) {
	ceiling := NewScopeSet(ScopeRead, ScopeEvent)
	wished := NewScopeSet(ScopeRead, ScopeAdmin, ScopeControl, ScopeWrite)

	got := ceiling.Intersect(wished)
	if len(got) != 1 {
		t.Fatalf("expected only the shared scope to survive, got %v", got.List())
	}
	if _, ok := got[ScopeRead]; !ok {
		t.Fatal("expected ScopeRead to survive the intersection")
	}
	if _, ok := got[ScopeAdmin]; ok {
		t.Fatal("a self-declared scope outside the ceiling must never be granted")
	}
}

func TestResolveScopesIntersectsRequestedWithAuthenticatedCeiling(t *testing.T) {
	s := &Server{}

	// A read-only token requesting admin/control must not get them.
	granted := s.resolveScopes("default", []string{"read", "event"}, []string{"admin", "control", "read"})
	if _, ok := granted[ScopeAdmin]; ok {
		t.Fatal("requested scope outside the token's own scopes must not be granted")
	}
	if _, ok := granted[ScopeRead]; !ok {
		t.Fatal("expected the overlapping scope to be granted")
	}

	// No requested scopes at all falls back to the full authenticated ceiling.
	full := s.resolveScopes("admin", nil, nil)
	if _, ok := full[ScopeAdmin]; !ok {
		t.Fatal("expected admin role's default ceiling to include ScopeAdmin")
	}
}
