package bus

import (
	"context"
	"strings"
	"sync"
)

// Well-known topics. Components subscribe to these directly; per-run and
// per-session topics are derived with RunTopic/SessionTopic.
const (
	TopicCron         = "cron"
	TopicHeartbeat    = "heartbeat"
	TopicSystem       = "system"
	TopicNodes        = "nodes"
	TopicPresence     = "presence"
	TopicExecApproval = "exec_approvals"
	TopicInbound      = "inbound"
	TopicOutbound     = "outbound"
)

// RunTopic returns the topic a given run's lifecycle events are published
// under. EventBridge subscribes to these dynamically as runs are started.
func RunTopic(runID string) string {
	return "run:" + runID
}

// SessionTopic returns the topic a given session's cache-invalidation and
// state-changed events are published under.
func SessionTopic(sessionKey string) string {
	return "session:" + sessionKey
}

// MessageBus is the in-process event/message fabric. Unlike the older
// id-keyed EventPublisher (one handler sees every event, then filters),
// MessageBus dispatches per topic: a subscriber only ever sees events
// published to the topics it asked for, and a panicking or slow handler
// only affects its own topic's fan-out, not the rest of the bus.
type MessageBus struct {
	mu    sync.RWMutex
	subs  map[string]map[string]EventHandler // topic -> subscriber id -> handler
	inCh  chan InboundMessage
	outCh chan OutboundMessage
}

// New constructs an empty MessageBus whose inbound and outbound channels
// each buffer 256 messages. Use NewSized for other sizes.
func New() *MessageBus {
	return NewSized(256, 256)
}

// NewSized constructs a MessageBus with explicit channel buffer sizes.
// inboundBuf/outboundBuf size the internal channels used by
// PublishInbound/PublishOutbound; 0 is a valid, fully-synchronous choice
// for tests.
func NewSized(inboundBuf, outboundBuf int) *MessageBus {
	return &MessageBus{
		subs:  make(map[string]map[string]EventHandler),
		inCh:  make(chan InboundMessage, inboundBuf),
		outCh: make(chan OutboundMessage, outboundBuf),
	}
}

// Subscribe registers handler under id for topic. Subscribing the same id
// to the same topic twice replaces the previous handler.
func (b *MessageBus) Subscribe(topic, id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]EventHandler)
	}
	b.subs[topic][id] = handler
}

// Unsubscribe removes id from topic. Safe to call for an id never
// subscribed.
func (b *MessageBus) Unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m := b.subs[topic]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(b.subs, topic)
		}
	}
}

// UnsubscribeAll removes id from every topic it's registered on. Used when
// a client connection closes and had dynamic run: subscriptions.
func (b *MessageBus) UnsubscribeAll(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, m := range b.subs {
		delete(m, id)
		if len(m) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Broadcast delivers event to every subscriber of topic. Handlers run
// synchronously in publish order; a handler that panics is recovered and
// dropped so one bad subscriber can't take down the publisher goroutine.
func (b *MessageBus) Broadcast(topic string, event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		safeCall(h, event)
	}
}

func safeCall(h EventHandler, event Event) {
	defer func() { _ = recover() }()
	h(event)
}

// PublishInbound enqueues msg for ingest consumers. Non-blocking up to the
// channel's buffer; callers that need backpressure should size the buffer
// at 0.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inCh <- msg
}

// ConsumeInbound blocks until an inbound message is available or ctx is
// done, returning ok=false in the latter case.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inCh:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues msg for channel dispatchers.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outCh <- msg
}

// SubscribeOutbound blocks until an outbound message is available or ctx
// is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outCh:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// legacy adapters: the gateway/server.go code (kept from the teacher) was
// written against the single-id EventPublisher shape. These let it keep
// working unmodified by fanning every legacy Subscribe into the "client:*"
// topic family plus whatever dynamic topics EventBridge layers on top.
const legacyClientTopicPrefix = "client:"

// SubscribeLegacy registers id against its own private topic. Used only
// by legacy callers that broadcast everything to
// every client (pre-EventBridge code paths); new code should call
// Subscribe(topic, id, handler) directly.
func (b *MessageBus) SubscribeLegacy(id string, handler EventHandler) {
	b.Subscribe(legacyClientTopicPrefix+id, id, handler)
}

func (b *MessageBus) UnsubscribeLegacy(id string) {
	b.Unsubscribe(legacyClientTopicPrefix+id, id)
}

// BroadcastLegacy delivers event to every id registered via SubscribeLegacy.
func (b *MessageBus) BroadcastLegacy(event Event) {
	b.mu.RLock()
	var handlers []EventHandler
	for topic, m := range b.subs {
		if !strings.HasPrefix(topic, legacyClientTopicPrefix) {
			continue
		}
		for _, h := range m {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		safeCall(h, event)
	}
}
