package gateway

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/approvals"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// ApprovalMethods registers the exec.approval.list/approve/deny family
// (spec.md §4.13): it mirrors approval_requested/approval_resolved
// bus.TopicExecApproval traffic into a listable snapshot and lets a
// control-plane client report a decision the same way a transport's own
// inline UI would, by broadcasting approval_resolved itself.
//
// Grounded on internal/approvals/bridge.go's Pending shape and Decision
// enum; kept separate from approvals.Bridge here because a Bridge is
// bound to one transport instance while the control plane must see and
// resolve approvals across all of them.
type ApprovalMethods struct {
	msgBus *bus.MessageBus

	mu      sync.Mutex
	pending map[string]approvals.Pending
}

func NewApprovalMethods(msgBus *bus.MessageBus) *ApprovalMethods {
	m := &ApprovalMethods{msgBus: msgBus, pending: make(map[string]approvals.Pending)}
	msgBus.Subscribe(bus.TopicExecApproval, "gateway-approval-methods", m.onEvent)
	return m
}

func (m *ApprovalMethods) onEvent(ev bus.Event) {
	payload, _ := ev.Payload.(map[string]any)
	if payload == nil {
		return
	}
	approvalID, _ := payload["approval_id"].(string)
	if approvalID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Name {
	case "approval_requested":
		m.pending[approvalID] = approvals.Pending{
			ApprovalID: approvalID,
			SessionKey: stringField(payload, "session_key"),
			AgentID:    stringField(payload, "agent_id"),
			Command:    stringField(payload, "command"),
		}
	case "approval_resolved":
		delete(m.pending, approvalID)
	}
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func (m *ApprovalMethods) Register(router *MethodRouter) {
	approvalsScope := NewScopeSet(ScopeApprovals, ScopeAdmin)
	readScope := NewScopeSet(ScopeApprovals, ScopeRead, ScopeAdmin)
	decideSchema := ParamSchema{Required: map[string]FieldType{"approval_id": TString}}

	router.Register(&Method{Name: protocol.MethodApprovalsList, Scopes: readScope, Handler: m.handleList})
	router.Register(&Method{Name: protocol.MethodApprovalsApprove, Scopes: approvalsScope, Schema: decideSchema, Handler: m.handleApprove})
	router.Register(&Method{Name: protocol.MethodApprovalsDeny, Scopes: approvalsScope, Schema: decideSchema, Handler: m.handleDeny})
}

func (m *ApprovalMethods) handleList(_ context.Context, _ *Connection, _ map[string]any) (any, *protocol.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]approvals.Pending, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	return map[string]any{"approvals": out}, nil
}

func (m *ApprovalMethods) handleApprove(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	return m.resolve(p, approvals.DecisionApproveOnce)
}

func (m *ApprovalMethods) handleDeny(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	return m.resolve(p, approvals.DecisionDeny)
}

func (m *ApprovalMethods) resolve(p map[string]any, decision approvals.Decision) (any, *protocol.Error) {
	approvalID := paramString(p, "approval_id")
	if s, ok := p["decision"].(string); ok && s != "" {
		decision = approvals.Decision(s)
	}
	m.msgBus.Broadcast(bus.TopicExecApproval, bus.Event{
		Name: "approval_resolved",
		Payload: map[string]any{
			"approval_id": approvalID,
			"decision":    string(decision),
		},
	})
	return map[string]any{"ok": true}, nil
}
