package approvals

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/sessionkey"
)

type fakeTransport struct {
	channelID, accountID string

	mu        sync.Mutex
	sent      []Pending
	resolved  []Decision
	messageID string
}

func (f *fakeTransport) ChannelID() string { return f.channelID }
func (f *fakeTransport) AccountID() string { return f.accountID }

func (f *fakeTransport) SendPrompt(_ context.Context, _ string, pending Pending) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, pending)
	return "msg_1", nil
}

func (f *fakeTransport) ResolvePrompt(_ context.Context, _, _ string, decision Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, decision)
	return nil
}

type fakeRouter struct {
	mu       sync.Mutex
	resolved []string
}

func (r *fakeRouter) ResolveApproval(_ context.Context, approvalID string, _ Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, approvalID)
	return nil
}

func waitUntilBridge(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBridgeSendsPromptForMatchingTransport(t *testing.T) {
	msgBus := bus.New()
	transport := &fakeTransport{channelID: "telegram", accountID: "acct1"}
	b := New(msgBus, transport, &fakeRouter{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	key := sessionkey.NewChannelPeer("agent1", "telegram", "acct1", "dm", "peer1")
	msgBus.Broadcast(bus.TopicExecApproval, bus.Event{
		Name: "approval_requested",
		Payload: map[string]any{
			"approval_id": "appr1", "session_key": key.String(), "agent_id": "agent1", "command": "ls",
		},
	})

	waitUntilBridge(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	})
}

func TestBridgeIgnoresApprovalForOtherTransport(t *testing.T) {
	msgBus := bus.New()
	transport := &fakeTransport{channelID: "telegram", accountID: "acct1"}
	b := New(msgBus, transport, &fakeRouter{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	key := sessionkey.NewChannelPeer("agent1", "discord", "acctX", "dm", "peer1")
	msgBus.Broadcast(bus.TopicExecApproval, bus.Event{
		Name: "approval_requested",
		Payload: map[string]any{
			"approval_id": "appr2", "session_key": key.String(), "agent_id": "agent1", "command": "ls",
		},
	})

	time.Sleep(50 * time.Millisecond)
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.sent) != 0 {
		t.Fatalf("expected no prompt for a different channel/account, got %v", transport.sent)
	}
}

func TestBridgeResolvesCorrelatedPrompt(t *testing.T) {
	msgBus := bus.New()
	transport := &fakeTransport{channelID: "telegram", accountID: "acct1"}
	b := New(msgBus, transport, &fakeRouter{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	key := sessionkey.NewChannelPeer("agent1", "telegram", "acct1", "dm", "peer1")
	msgBus.Broadcast(bus.TopicExecApproval, bus.Event{
		Name: "approval_requested",
		Payload: map[string]any{
			"approval_id": "appr3", "session_key": key.String(), "agent_id": "agent1", "command": "ls",
		},
	})
	waitUntilBridge(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	})

	msgBus.Broadcast(bus.TopicExecApproval, bus.Event{
		Name:    "approval_resolved",
		Payload: map[string]any{"approval_id": "appr3", "decision": string(DecisionApproveOnce)},
	})

	waitUntilBridge(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.resolved) == 1
	})
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.resolved[0] != DecisionApproveOnce {
		t.Fatalf("expected approve_once, got %v", transport.resolved[0])
	}
}

func TestResolveRejectsUnknownDecision(t *testing.T) {
	msgBus := bus.New()
	transport := &fakeTransport{channelID: "telegram", accountID: "acct1"}
	router := &fakeRouter{}
	b := New(msgBus, transport, router)

	if err := b.Resolve(context.Background(), "appr4", Decision("bogus")); err == nil {
		t.Fatal("expected error for unknown decision")
	}
	if len(router.resolved) != 0 {
		t.Fatal("router must not be called for an invalid decision")
	}
}

func TestResolveForwardsValidDecisionToRouter(t *testing.T) {
	msgBus := bus.New()
	transport := &fakeTransport{channelID: "telegram", accountID: "acct1"}
	router := &fakeRouter{}
	b := New(msgBus, transport, router)

	if err := b.Resolve(context.Background(), "appr5", DecisionDeny); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(router.resolved) != 1 || router.resolved[0] != "appr5" {
		t.Fatalf("expected router to see appr5, got %v", router.resolved)
	}
}
