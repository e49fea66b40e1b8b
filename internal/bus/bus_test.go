package bus

import (
	"context"
	"testing"
	"time"
)

func TestBroadcastDeliversOnlyToTopicSubscribers(t *testing.T) {
	b := New()
	var gotA, gotB []Event
	b.Subscribe("topic-a", "sub1", func(e Event) { gotA = append(gotA, e) })
	b.Subscribe("topic-b", "sub2", func(e Event) { gotB = append(gotB, e) })

	b.Broadcast("topic-a", Event{Name: "hello"})

	if len(gotA) != 1 {
		t.Fatalf("expected 1 event on topic-a, got %d", len(gotA))
	}
	if len(gotB) != 0 {
		t.Fatalf("expected 0 events on topic-b, got %d", len(gotB))
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe("t", "sub1", func(Event) { count++ })
	b.Broadcast("t", Event{})
	b.Unsubscribe("t", "sub1")
	b.Broadcast("t", Event{})

	if count != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", count)
	}
}

func TestUnsubscribeAllRemovesEveryTopic(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe("t1", "sub1", func(Event) { count++ })
	b.Subscribe("t2", "sub1", func(Event) { count++ })
	b.UnsubscribeAll("sub1")

	b.Broadcast("t1", Event{})
	b.Broadcast("t2", Event{})

	if count != 0 {
		t.Fatalf("expected no deliveries after UnsubscribeAll, got %d", count)
	}
}

func TestBroadcastToleratesPanickingSubscriber(t *testing.T) {
	b := New()
	called := false
	b.Subscribe("t", "bad", func(Event) { panic("boom") })
	b.Subscribe("t", "good", func(Event) { called = true })

	b.Broadcast("t", Event{})

	if !called {
		t.Fatal("a panicking subscriber must not prevent delivery to others")
	}
}

func TestInboundRoundTrip(t *testing.T) {
	b := NewSized(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	b.PublishInbound(InboundMessage{Channel: "telegram", Content: "hi"})
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected an inbound message")
	}
	if msg.Content != "hi" {
		t.Fatalf("expected content %q, got %q", "hi", msg.Content)
	}
}

func TestConsumeInboundRespectsContextCancellation(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := b.ConsumeInbound(ctx)
	if ok {
		t.Fatal("expected ok=false once context is done")
	}
}

func TestRunTopicAndSessionTopic(t *testing.T) {
	if got := RunTopic("abc"); got != "run:abc" {
		t.Fatalf("RunTopic: got %q", got)
	}
	if got := SessionTopic("agent:x:main"); got != "session:agent:x:main" {
		t.Fatalf("SessionTopic: got %q", got)
	}
}
