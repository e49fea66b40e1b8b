package gateway

import (
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/clock"
)

// PresenceEntry is one connection's presence record, per spec.md §4.17.
type PresenceEntry struct {
	ConnID      string `json:"connId"`
	Role        string `json:"role"`
	ClientID    string `json:"clientId"`
	PID         int    `json:"pid"`
	ConnectedAt int64  `json:"connectedAtMs"`
}

// Presence tracks live connections and broadcasts presence_changed on
// every membership change. Grounded on the teacher's s.clients map
// (gateway/server.go), pulled out into its own component per spec.md
// §4.17 ("Presence tracks {conn_id -> {role, client_id, pid,
// connected_at}}").
type Presence struct {
	mu      sync.RWMutex
	entries map[string]PresenceEntry
	msgBus  *bus.MessageBus
	pid     int
	clk     clock.Clock
}

// NewPresence constructs an empty presence table.
func NewPresence(msgBus *bus.MessageBus, pid int) *Presence {
	return &Presence{
		entries: make(map[string]PresenceEntry),
		msgBus:  msgBus,
		pid:     pid,
		clk:     clock.Real{},
	}
}

// Add records a newly-handshaken connection and emits presence_changed.
func (p *Presence) Add(connID, role, clientID string) {
	p.mu.Lock()
	p.entries[connID] = PresenceEntry{
		ConnID: connID, Role: role, ClientID: clientID,
		PID: p.pid, ConnectedAt: p.clk.NowMS(),
	}
	count := len(p.entries)
	p.mu.Unlock()

	p.msgBus.Broadcast(bus.TopicPresence, bus.Event{
		Name:    "presence_changed",
		Payload: map[string]any{"conn_id": connID, "kind": "joined", "count": count},
	})
}

// Remove drops a connection's presence record (idempotent) and emits
// presence_changed if it was actually present.
func (p *Presence) Remove(connID string) {
	p.mu.Lock()
	_, existed := p.entries[connID]
	delete(p.entries, connID)
	count := len(p.entries)
	p.mu.Unlock()

	if !existed {
		return
	}
	p.msgBus.Broadcast(bus.TopicPresence, bus.Event{
		Name:    "presence_changed",
		Payload: map[string]any{"conn_id": connID, "kind": "left", "count": count},
	})
}

// Snapshot returns a point-in-time copy of every presence entry, for
// hello_ok.snapshot.presence.
func (p *Presence) Snapshot() []PresenceEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PresenceEntry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}

// Count returns the number of live, handshaken connections.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
