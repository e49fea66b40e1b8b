package gateway

import (
	"context"

	"github.com/nextlevelbuilder/goclaw/internal/heartbeat"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// HeartbeatMethods registers set-heartbeats/last-heartbeat/wake (spec.md
// §4.12), delegating straight to heartbeat.Manager.
type HeartbeatMethods struct {
	mgr *heartbeat.Manager
}

func NewHeartbeatMethods(mgr *heartbeat.Manager) *HeartbeatMethods { return &HeartbeatMethods{mgr: mgr} }

func (m *HeartbeatMethods) Register(router *MethodRouter) {
	writeOnly := NewScopeSet(ScopeWrite, ScopeAdmin)
	readWrite := NewScopeSet(ScopeRead, ScopeWrite, ScopeAdmin)

	setSchema := ParamSchema{
		Required: map[string]FieldType{"agent_id": TString, "enabled": TBoolean},
		Optional: map[string]FieldType{"interval_ms": TInteger, "prompt": TString},
	}
	router.Register(&Method{Name: protocol.MethodHeartbeatSet, Scopes: writeOnly, Schema: setSchema, Handler: m.handleSet})

	lastSchema := ParamSchema{Required: map[string]FieldType{"agent_id": TString}}
	router.Register(&Method{Name: protocol.MethodHeartbeatLast, Scopes: readWrite, Schema: lastSchema, Handler: m.handleLast})

	wakeSchema := ParamSchema{Required: map[string]FieldType{"agent_id": TString}}
	router.Register(&Method{Name: protocol.MethodHeartbeatWake, Scopes: writeOnly, Schema: wakeSchema, Handler: m.handleWake})
}

func (m *HeartbeatMethods) handleSet(ctx context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	cfg := store.HeartbeatConfig{
		AgentID: paramString(p, "agent_id"),
		Prompt:  paramString(p, "prompt"),
	}
	if v, ok := p["enabled"].(bool); ok {
		cfg.Enabled = v
	}
	if v, ok := paramInt64(p, "interval_ms"); ok {
		cfg.IntervalMS = v
	}

	if !cfg.Enabled {
		if err := m.mgr.ClearHeartbeatConfig(cfg.AgentID); err != nil {
			return nil, protocol.NewError(protocol.ErrInternal, err.Error())
		}
		return map[string]any{"ok": true}, nil
	}
	if err := m.mgr.SetConfig(ctx, cfg); err != nil {
		return nil, protocol.NewError(protocol.ErrInvalidParams, err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (m *HeartbeatMethods) handleLast(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	last, ok := m.mgr.Last(paramString(p, "agent_id"))
	if !ok {
		return map[string]any{"last": nil}, nil
	}
	return map[string]any{"last": last}, nil
}

func (m *HeartbeatMethods) handleWake(ctx context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	if err := m.mgr.Wake(ctx, paramString(p, "agent_id")); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]any{"ok": true}, nil
}
