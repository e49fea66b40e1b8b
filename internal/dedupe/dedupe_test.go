package dedupe

import (
	"testing"
	"time"
)

func TestTTLTableBasic(t *testing.T) {
	tab := NewTTLTable(50 * time.Millisecond)
	if tab.Seen("a") {
		t.Fatal("first Seen should be false")
	}
	if !tab.Seen("a") {
		t.Fatal("second Seen within TTL should be true")
	}
	time.Sleep(60 * time.Millisecond)
	if tab.Seen("a") {
		t.Fatal("Seen after TTL expiry should be false")
	}
}

func TestRingTableEviction(t *testing.T) {
	r := NewRingTable(2)
	r.Seen("a")
	r.Seen("b")
	r.Seen("c") // evicts "a"
	if r.Seen("a") {
		t.Fatal("a should have been evicted and reported unseen")
	}
	if !r.Seen("c") {
		t.Fatal("c should still be tracked")
	}
}
