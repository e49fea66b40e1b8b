package gateway

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/goclaw/internal/clock"
	"github.com/nextlevelbuilder/goclaw/internal/runsub"
	"github.com/nextlevelbuilder/goclaw/internal/sessionkey"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// ChatMethods registers chat.send/chat.history/chat.abort and
// agent/agent.wait (spec.md §4.12): chat.send and agent fire a Job at the
// Run Submitter without waiting (the caller follows along over the
// run:<id> event stream the EventBridge already fans out); agent.wait
// blocks on the same Submit call spec.md's waiter semantics describe.
type ChatMethods struct {
	submitter *runsub.Submitter
	router    runsub.Router
	sessions  store.SessionStore
	bridge    *EventBridge
}

func NewChatMethods(submitter *runsub.Submitter, router runsub.Router, sessions store.SessionStore, bridge *EventBridge) *ChatMethods {
	return &ChatMethods{submitter: submitter, router: router, sessions: sessions, bridge: bridge}
}

func (m *ChatMethods) Register(router *MethodRouter) {
	invoke := NewScopeSet(ScopeInvoke, ScopeWrite, ScopeAdmin)
	readScope := NewScopeSet(ScopeRead, ScopeWrite, ScopeAdmin)

	sendSchema := ParamSchema{
		Required: map[string]FieldType{"session_key": TString, "prompt": TString},
		Optional: map[string]FieldType{"agent_id": TString, "timeout_ms": TInteger, "meta": TMapping},
	}
	router.Register(&Method{Name: protocol.MethodChatSend, Scopes: invoke, Schema: sendSchema, Handler: m.handleSend})
	router.Register(&Method{Name: protocol.MethodAgent, Scopes: invoke, Schema: sendSchema, Handler: m.handleSend})

	waitSchema := ParamSchema{
		Required: map[string]FieldType{"session_key": TString, "prompt": TString},
		Optional: map[string]FieldType{"agent_id": TString, "timeout_ms": TInteger, "meta": TMapping},
	}
	router.Register(&Method{Name: protocol.MethodAgentWait, Scopes: invoke, Schema: waitSchema, Handler: m.handleWait})

	abortSchema := ParamSchema{Required: map[string]FieldType{"run_id": TString}}
	router.Register(&Method{Name: protocol.MethodChatAbort, Scopes: invoke, Schema: abortSchema, Handler: m.handleAbort})

	historySchema := ParamSchema{Required: map[string]FieldType{"session_key": TString}}
	router.Register(&Method{Name: protocol.MethodChatHistory, Scopes: readScope, Schema: historySchema, Handler: m.handleHistory})
}

func (m *ChatMethods) buildJob(p map[string]any) (runsub.Job, *protocol.Error) {
	key := paramString(p, "session_key")
	if _, err := sessionkey.ParseStrict(key); err != nil {
		return runsub.Job{}, protocol.NewError(protocol.ErrInvalidParams, "invalid session_key: "+err.Error())
	}

	job := runsub.Job{
		RunID:      clock.NewID("run"),
		SessionKey: key,
		Prompt:     paramString(p, "prompt"),
		AgentID:    paramString(p, "agent_id"),
		QueueMode:  runsub.QueueCollect,
	}
	if v, ok := paramInt64(p, "timeout_ms"); ok {
		job.TimeoutMS = v
	}
	if v, ok := p["meta"].(map[string]any); ok {
		job.Meta = v
	}
	return job, nil
}

func (m *ChatMethods) handleSend(ctx context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	job, perr := m.buildJob(p)
	if perr != nil {
		return nil, perr
	}
	if m.bridge != nil {
		m.bridge.SubscribeRun(job.RunID)
	}
	go func() {
		bg := context.Background()
		if _, err := m.submitter.Submit(bg, job); err != nil {
			slog.Warn("chat.send: submit failed", "run_id", job.RunID, "error", err)
		}
		if m.bridge != nil {
			m.bridge.UnsubscribeRun(job.RunID)
		}
	}()
	return map[string]any{"run_id": job.RunID}, nil
}

func (m *ChatMethods) handleWait(ctx context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	job, perr := m.buildJob(p)
	if perr != nil {
		return nil, perr
	}
	if m.bridge != nil {
		m.bridge.SubscribeRun(job.RunID)
		defer m.bridge.UnsubscribeRun(job.RunID)
	}
	result, err := m.submitter.Submit(ctx, job)
	if err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return result, nil
}

func (m *ChatMethods) handleAbort(ctx context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	if m.router == nil {
		return nil, protocol.NewError(protocol.ErrNotImplemented, "abort unsupported: no router configured")
	}
	if err := m.router.Abort(ctx, paramString(p, "run_id")); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (m *ChatMethods) handleHistory(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	key := paramString(p, "session_key")
	if _, err := sessionkey.ParseStrict(key); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidParams, "invalid session_key: "+err.Error())
	}
	data := m.sessions.GetOrCreate(key)
	return map[string]any{"messages": data.Messages, "summary": data.Summary}, nil
}
