// Package approvals implements the Approvals Bridge (spec.md §4.13): it
// surfaces a pending exec approval to the originating peer and, once a
// decision comes back over the control plane, resolves it by correlation
// id so the router can unblock the waiting run.
//
// Grounded on the teacher's tools.ExecApprovalManager (PendingApproval
// shape, ApprovalDecision enum, pending/resolve/timeout bookkeeping under
// a mutex) from pdtkts-goclaw, generalized from an in-process exec gate
// into a bus-driven bridge that also remembers which peer/message a
// prompt was sent to so it can be edited/cleared on resolution.
package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/sessionkey"
)

// Decision is the resolution a peer (or another control-plane client) can
// send back for a pending approval, per spec.md §4.13.
type Decision string

const (
	DecisionApproveOnce    Decision = "approve_once"
	DecisionApproveSession Decision = "approve_session"
	DecisionApproveAgent   Decision = "approve_agent"
	DecisionApproveGlobal  Decision = "approve_global"
	DecisionDeny           Decision = "deny"
)

// Pending is the approval-request payload carried on an
// approval_requested event, mirroring the teacher's PendingApproval.
type Pending struct {
	ApprovalID string `json:"approval_id"`
	SessionKey string `json:"session_key"`
	AgentID    string `json:"agent_id"`
	Command    string `json:"command"`
}

// correlation remembers which peer/message a prompt was sent to, so a
// later approval_resolved event can edit or clear it.
type correlation struct {
	peer      string
	messageID string
}

// Transport is the collaborator that actually renders/edits a prompt in
// the channel the approval's session_key names.
type Transport interface {
	// ChannelID and AccountID identify which transport instance this is,
	// so the bridge can match it against a Pending's session_key before
	// claiming the prompt.
	ChannelID() string
	AccountID() string

	// SendPrompt renders an interactive approval prompt (inline keyboard
	// for Telegram, ephemeral ack for others) and returns the message id
	// it was sent as, for later editing.
	SendPrompt(ctx context.Context, peer string, pending Pending) (messageID string, err error)

	// ResolvePrompt edits or clears a previously sent prompt to reflect
	// decision having been made.
	ResolvePrompt(ctx context.Context, peer, messageID string, decision Decision) error
}

// Router is the collaborator a resolved decision is reported back to.
type Router interface {
	ResolveApproval(ctx context.Context, approvalID string, decision Decision) error
}

// Bridge correlates approval_requested/approval_resolved bus events with
// the transport prompts they produce, per spec.md §4.13.
type Bridge struct {
	bus       *bus.MessageBus
	transport Transport
	router    Router

	mu           sync.Mutex
	correlations map[string]correlation // approval_id -> correlation
}

// New constructs a Bridge bound to one transport instance.
func New(msgBus *bus.MessageBus, transport Transport, router Router) *Bridge {
	return &Bridge{
		bus: msgBus, transport: transport, router: router,
		correlations: make(map[string]correlation),
	}
}

// subscriberID scopes this bridge's bus subscription to its transport
// instance, so multiple transports can each run their own Bridge.
func (b *Bridge) subscriberID() string {
	return "approvals-bridge:" + b.transport.ChannelID() + ":" + b.transport.AccountID()
}

// Start subscribes to the exec_approvals topic for the lifetime of ctx.
func (b *Bridge) Start(ctx context.Context) {
	id := b.subscriberID()
	b.bus.Subscribe(bus.TopicExecApproval, id, func(ev bus.Event) {
		switch ev.Name {
		case "approval_requested":
			b.onRequested(ctx, ev)
		case "approval_resolved":
			b.onResolved(ctx, ev)
		}
	})
	go func() {
		<-ctx.Done()
		b.bus.Unsubscribe(bus.TopicExecApproval, id)
	}()
}

func (b *Bridge) onRequested(ctx context.Context, ev bus.Event) {
	pending, ok := decodePending(ev.Payload)
	if !ok {
		return
	}

	key, err := sessionkey.ParseStrict(pending.SessionKey)
	if err != nil || key.Variant != sessionkey.VariantChannelPeer {
		return
	}
	if key.ChannelID != b.transport.ChannelID() || key.AccountID != b.transport.AccountID() {
		return
	}

	messageID, err := b.transport.SendPrompt(ctx, key.PeerID, pending)
	if err != nil {
		slog.Warn("approvals: send prompt failed", "approval_id", pending.ApprovalID, "error", err)
		return
	}

	b.mu.Lock()
	b.correlations[pending.ApprovalID] = correlation{peer: key.PeerID, messageID: messageID}
	b.mu.Unlock()
}

func (b *Bridge) onResolved(ctx context.Context, ev bus.Event) {
	payload, _ := ev.Payload.(map[string]any)
	if payload == nil {
		return
	}
	approvalID, _ := payload["approval_id"].(string)
	decisionStr, _ := payload["decision"].(string)
	if approvalID == "" {
		return
	}
	decision := Decision(decisionStr)

	b.mu.Lock()
	corr, ok := b.correlations[approvalID]
	if ok {
		delete(b.correlations, approvalID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	if err := b.transport.ResolvePrompt(ctx, corr.peer, corr.messageID, decision); err != nil {
		slog.Warn("approvals: resolve prompt failed", "approval_id", approvalID, "error", err)
	}
}

// Resolve is the control-plane entry point (exec.approval.resolve):
// a client is reporting a decision directly rather than through the
// transport's own UI. It reports the decision to the router and lets the
// eventual approval_resolved broadcast clean up the prompt correlation.
func (b *Bridge) Resolve(ctx context.Context, approvalID string, decision Decision) error {
	switch decision {
	case DecisionApproveOnce, DecisionApproveSession, DecisionApproveAgent, DecisionApproveGlobal, DecisionDeny:
	default:
		return fmt.Errorf("approvals: unknown decision %q", decision)
	}
	return b.router.ResolveApproval(ctx, approvalID, decision)
}

func decodePending(payload any) (Pending, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return Pending{}, false
	}
	p := Pending{}
	p.ApprovalID, _ = m["approval_id"].(string)
	p.SessionKey, _ = m["session_key"].(string)
	p.AgentID, _ = m["agent_id"].(string)
	p.Command, _ = m["command"].(string)
	if p.ApprovalID == "" || p.SessionKey == "" {
		return Pending{}, false
	}
	return p, true
}
