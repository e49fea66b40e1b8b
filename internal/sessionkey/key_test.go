package sessionkey

import "testing"

func TestRoundTrip(t *testing.T) {
	cases := []Key{
		New("agent1"),
		NewSubagent("agent1", "sub1"),
		NewChannelPeer("agent1", "telegram", "bot1", "dm", "user42"),
		NewChannelPeer("agent1", "discord", "bot1", "group", "guild9").WithThread("thread3"),
		NewChannelPeer("agent1", "discord", "bot1", "group", "guild9").WithSub("sub7"),
		NewChannelPeer("agent1", "discord", "bot1", "group", "guild9").WithThread("thread3").WithSub("sub7"),
	}

	for _, k := range cases {
		raw := k.String()
		parsed, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", raw, err)
		}
		if parsed != k {
			t.Fatalf("round trip mismatch for %q: got %+v, want %+v", raw, parsed, k)
		}
	}
}

func TestParseStrictRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"agent:a1",
		"agent:a1:notmain",
		"agent:a1:main:sub",
		"telegram/bot1",
		"telegram/bot1/dm",
		"/telegram/bot1/dm/user1",
	}
	for _, raw := range bad {
		if _, err := ParseStrict(raw); err == nil {
			t.Errorf("ParseStrict(%q) expected error, got nil", raw)
		}
	}
}

// TestParseIsTotal checks spec.md §3's invariant that Parse never errors:
// malformed shapes come back as VariantUnknown carrying the raw string.
func TestParseIsTotal(t *testing.T) {
	bad := []string{
		"",
		"agent:a1",
		"agent:a1:notmain",
		"telegram/bot1",
		"not a session key at all",
	}
	for _, raw := range bad {
		k, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) must not error, got %v", raw, err)
		}
		if k.Variant != VariantUnknown {
			t.Errorf("Parse(%q) = variant %q, want unknown", raw, k.Variant)
		}
		if k.Raw != raw {
			t.Errorf("Parse(%q).Raw = %q, want original string preserved", raw, k.Raw)
		}
	}
}

func TestIsSubagent(t *testing.T) {
	if New("a1").IsSubagent() {
		t.Error("base main key should not be a subagent")
	}
	if !NewSubagent("a1", "s1").IsSubagent() {
		t.Error("subagent key should report IsSubagent")
	}
}
