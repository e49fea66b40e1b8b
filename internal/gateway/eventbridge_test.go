package gateway

import (
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

type fakeTokenStore struct{}

func (fakeTokenStore) Lookup(string) (store.SessionToken, bool) { return store.SessionToken{}, false }
func (fakeTokenStore) Put(store.SessionToken) error             { return nil }
func (fakeTokenStore) Revoke(string) error                      { return nil }
func (fakeTokenStore) List() []store.SessionToken               { return nil }

func newTestServer(t *testing.T) (*Server, *bus.MessageBus) {
	t.Helper()
	msgBus := bus.New()
	srv := NewServer(&config.Config{}, msgBus, fakeTokenStore{})
	return srv, msgBus
}

func TestEventBridgeMapsBusEventToClientEvent(t *testing.T) {
	srv, msgBus := newTestServer(t)
	bridge := srv.Bridge()
	bridge.Start()

	msgBus.Broadcast(bus.TopicCron, bus.Event{Name: "cron_run_started", Payload: map[string]any{"job_id": "j1"}})
	// No live connections: dispatch must not panic even with zero fan-out targets.
	if got := eventNameMap["cron_run_started"]; got != protocol.EventCron {
		t.Fatalf("cron_run_started should map to %q, got %q", protocol.EventCron, got)
	}
}

func TestEventBridgeUnknownEventIsDropped(t *testing.T) {
	srv, msgBus := newTestServer(t)
	bridge := srv.Bridge()
	bridge.Start()

	// "cron_tick" is mapped but a made-up name is not; broadcasting it
	// must not panic and must not appear in EventNames.
	msgBus.Broadcast(bus.TopicCron, bus.Event{Name: "made_up_event"})
	for _, name := range bridge.EventNames() {
		if name == "made_up_event" {
			t.Fatal("unmapped bus event name leaked into EventNames")
		}
	}
}

func TestEventBridgeStateVersionIncrementsPerCategory(t *testing.T) {
	srv, _ := newTestServer(t)
	bridge := srv.Bridge()

	v1 := bridge.nextVersion("cron")
	v2 := bridge.nextVersion("cron")
	if v2 != v1+1 {
		t.Fatalf("expected monotonic increment, got %d then %d", v1, v2)
	}
	v3 := bridge.nextVersion("presence")
	if v3 != 1 {
		t.Fatalf("expected a separate counter per category, got %d", v3)
	}
}

func TestEventBridgeEventNamesDeduplicated(t *testing.T) {
	srv, _ := newTestServer(t)
	bridge := srv.Bridge()

	names := bridge.EventNames()
	seen := map[string]int{}
	for _, n := range names {
		seen[n]++
	}
	for n, count := range seen {
		if count > 1 {
			t.Fatalf("event name %q appeared %d times, expected deduplicated", n, count)
		}
	}
}

func TestEventBridgeSubscribeRunIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	bridge := srv.Bridge()

	bridge.SubscribeRun("run_1")
	bridge.SubscribeRun("run_1") // must not double-subscribe or panic
	bridge.UnsubscribeRun("run_1")
}
