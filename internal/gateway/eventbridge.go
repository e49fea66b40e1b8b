package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// eventNameMap implements spec.md §6's bus-type -> client-event-name
// table. A bus event name not present here is dropped (EventBridge only
// forwards events the control-plane protocol actually defines).
var eventNameMap = map[string]string{
	"run_started":          protocol.EventAgent,
	"run_completed":        protocol.EventAgent,
	"run_failed":           protocol.EventAgent,
	"delta":                protocol.EventChat,
	"approval_requested":   protocol.EventExecApprovalReq,
	"approval_resolved":    protocol.EventExecApprovalRes,
	"cron_run_started":     protocol.EventCron,
	"cron_run_completed":   protocol.EventCron,
	"cron_job_created":     "cron.job",
	"cron_job_updated":     "cron.job",
	"cron_job_deleted":     "cron.job",
	"cron_tick":            protocol.EventTick,
	"tick":                 protocol.EventTick,
	"presence_changed":     protocol.EventPresence,
	"shutdown":             protocol.EventShutdown,
	"heartbeat_alert":      protocol.EventHeartbeat,
	"heartbeat_suppressed": protocol.EventHeartbeat,
}

// stateVersionCategory buckets a client event name into one of the three
// counters spec.md §4.16 stamps ("increments stateVersion.{presence|
// health|cron} per relevant category"). Categories outside that set
// (agent, chat, ...) are delivered without a stateVersion stamp.
func stateVersionCategory(clientEvent string) string {
	switch clientEvent {
	case protocol.EventPresence:
		return "presence"
	case protocol.EventHealth:
		return "health"
	case protocol.EventCron, "cron.job", protocol.EventTick:
		return "cron"
	default:
		return ""
	}
}

// EventBridge subscribes to the well-known bus topics plus every
// per-run topic as runs start, maps bus events to client event names,
// and fans them out to every live connection. Grounded on the teacher's
// registerClient (gateway/server.go: "eventPub.Subscribe(c.id, func(event
// bus.Event) {...})"), split out into its own component and generalized
// from one id-keyed subscription per connection to a shared
// topic-keyed subscription per spec.md §4.16.
type EventBridge struct {
	msgBus *bus.MessageBus
	server *Server

	mu       sync.Mutex
	versions map[string]*uint64 // category -> counter
	runSubs  map[string]struct{}
}

// NewEventBridge constructs a bridge bound to a server (for fan-out) and
// a bus (for subscription).
func NewEventBridge(msgBus *bus.MessageBus, srv *Server) *EventBridge {
	return &EventBridge{
		msgBus:   msgBus,
		server:   srv,
		versions: make(map[string]*uint64),
		runSubs:  make(map[string]struct{}),
	}
}

// Start subscribes to the static topic set. Dynamic run:* subscriptions
// are added by SubscribeRun as runs are started (by the chat methods).
func (b *EventBridge) Start() {
	for _, topic := range []string{
		bus.TopicExecApproval, bus.TopicCron, bus.TopicSystem,
		bus.TopicNodes, bus.TopicPresence, bus.TopicHeartbeat,
	} {
		topic := topic
		b.msgBus.Subscribe(topic, "eventbridge:"+topic, func(ev bus.Event) {
			b.dispatch(ev)
		})
	}
}

// SubscribeRun adds a dynamic subscription to a run's topic, per
// spec.md §4.16 ("dynamically to run:*"). Idempotent.
func (b *EventBridge) SubscribeRun(runID string) {
	topic := bus.RunTopic(runID)
	b.mu.Lock()
	if _, ok := b.runSubs[topic]; ok {
		b.mu.Unlock()
		return
	}
	b.runSubs[topic] = struct{}{}
	b.mu.Unlock()

	b.msgBus.Subscribe(topic, "eventbridge:"+topic, func(ev bus.Event) {
		b.dispatch(ev)
	})
}

// UnsubscribeRun tears down a run's dynamic subscription once the run
// reaches a terminal state.
func (b *EventBridge) UnsubscribeRun(runID string) {
	topic := bus.RunTopic(runID)
	b.mu.Lock()
	delete(b.runSubs, topic)
	b.mu.Unlock()
	b.msgBus.Unsubscribe(topic, "eventbridge:"+topic)
}

// EventNames returns every client event name this bridge can emit, for
// hello_ok.features.events.
func (b *EventBridge) EventNames() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(eventNameMap))
	for _, name := range eventNameMap {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func (b *EventBridge) nextVersion(category string) uint64 {
	if category == "" {
		return 0
	}
	b.mu.Lock()
	counter, ok := b.versions[category]
	if !ok {
		var v uint64
		counter = &v
		b.versions[category] = counter
	}
	b.mu.Unlock()
	return atomic.AddUint64(counter, 1)
}

func (b *EventBridge) dispatch(ev bus.Event) {
	clientEvent, ok := eventNameMap[ev.Name]
	if !ok {
		return // not part of the mandatory client surface
	}

	frame := protocol.EventFrame{
		Type:    "event",
		Event:   clientEvent,
		Payload: ev.Payload,
	}
	if cat := stateVersionCategory(clientEvent); cat != "" {
		frame.StateVersion = b.nextVersion(cat)
	}

	b.fanOut(frame)
}

// fanOut pushes a frame to every ready connection, each on its own
// goroutine so one slow/blocked client can't stall the others — the
// "supervised task pool" of spec.md §4.16. A panicking send is
// recovered and logged; it never crashes the bridge or another
// connection's delivery.
func (b *EventBridge) fanOut(frame protocol.EventFrame) {
	conns := b.server.liveConnections()
	if len(conns) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		c := c
		if c.State() != StateReady {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("gateway: eventbridge fan-out panic", "conn_id", c.ID(), "panic", r)
				}
			}()
			if err := c.SendEvent(frame); err != nil {
				slog.Debug("gateway: fan-out send failed", "conn_id", c.ID(), "error", err)
			}
		}()
	}
	wg.Wait()
}

// dispatchSync runs dispatch on the caller's goroutine; ctx is ignored.
// Nothing in the package calls it.
func (b *EventBridge) dispatchSync(ctx context.Context, ev bus.Event) {
	_ = ctx
	b.dispatch(ev)
}
