package gateway

import (
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

func TestPresenceAddEmitsPresenceChanged(t *testing.T) {
	msgBus := bus.New()
	p := NewPresence(msgBus, 1234)

	events := make(chan bus.Event, 4)
	msgBus.Subscribe(bus.TopicPresence, "spy", func(ev bus.Event) { events <- ev })

	p.Add("conn1", "operator", "client1")
	if p.Count() != 1 {
		t.Fatalf("expected 1 presence entry, got %d", p.Count())
	}

	select {
	case ev := <-events:
		payload := ev.Payload.(map[string]any)
		if payload["kind"] != "joined" {
			t.Fatalf("expected kind=joined, got %v", payload["kind"])
		}
	default:
		t.Fatal("expected a presence_changed event")
	}
}

func TestPresenceRemoveIsIdempotent(t *testing.T) {
	msgBus := bus.New()
	p := NewPresence(msgBus, 1234)

	events := make(chan bus.Event, 4)
	msgBus.Subscribe(bus.TopicPresence, "spy", func(ev bus.Event) { events <- ev })

	p.Add("conn1", "operator", "client1")
	<-events // joined

	p.Remove("conn1")
	select {
	case ev := <-events:
		payload := ev.Payload.(map[string]any)
		if payload["kind"] != "left" {
			t.Fatalf("expected kind=left, got %v", payload["kind"])
		}
	default:
		t.Fatal("expected a presence_changed event on removal")
	}

	// Removing again must not emit a second event nor panic.
	p.Remove("conn1")
	select {
	case ev := <-events:
		t.Fatalf("expected no event on redundant remove, got %+v", ev)
	default:
	}
}

func TestPresenceSnapshot(t *testing.T) {
	msgBus := bus.New()
	p := NewPresence(msgBus, 1)
	p.Add("c1", "operator", "cli1")
	p.Add("c2", "viewer", "cli2")

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
}
