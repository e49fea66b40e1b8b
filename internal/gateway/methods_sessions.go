package gateway

import (
	"context"

	"github.com/nextlevelbuilder/goclaw/internal/sessionkey"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// SessionMethods registers sessions.list/preview/patch/reset/delete
// (spec.md §4.x session management), delegating to a store.SessionStore.
type SessionMethods struct {
	sessions store.SessionStore
}

func NewSessionMethods(sessions store.SessionStore) *SessionMethods {
	return &SessionMethods{sessions: sessions}
}

func (m *SessionMethods) Register(router *MethodRouter) {
	readWrite := NewScopeSet(ScopeRead, ScopeWrite, ScopeAdmin)
	writeOnly := NewScopeSet(ScopeWrite, ScopeAdmin)

	listSchema := ParamSchema{Optional: map[string]FieldType{"agent_id": TString, "limit": TInteger, "offset": TInteger}}
	router.Register(&Method{Name: protocol.MethodSessionsList, Scopes: readWrite, Schema: listSchema, Handler: m.handleList})

	keySchema := ParamSchema{Required: map[string]FieldType{"key": TString}}
	router.Register(&Method{Name: protocol.MethodSessionsPreview, Scopes: readWrite, Schema: keySchema, Handler: m.handlePreview})

	patchSchema := ParamSchema{
		Required: map[string]FieldType{"key": TString},
		Optional: map[string]FieldType{"label": TString, "summary": TString},
	}
	router.Register(&Method{Name: protocol.MethodSessionsPatch, Scopes: writeOnly, Schema: patchSchema, Handler: m.handlePatch})

	router.Register(&Method{Name: protocol.MethodSessionsReset, Scopes: writeOnly, Schema: keySchema, Handler: m.handleReset})
	router.Register(&Method{Name: protocol.MethodSessionsDelete, Scopes: writeOnly, Schema: keySchema, Handler: m.handleDelete})
}

func (m *SessionMethods) handleList(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	opts := store.SessionListOpts{AgentID: paramString(p, "agent_id")}
	if v, ok := paramInt(p, "limit"); ok {
		opts.Limit = v
	}
	if v, ok := paramInt(p, "offset"); ok {
		opts.Offset = v
	}
	return m.sessions.ListPaged(opts), nil
}

// validateKey rejects a session key that doesn't parse under either of
// sessionkey's two grammars, so a malformed client-supplied key fails
// fast instead of silently addressing a session nothing else will ever
// resolve to.
func validateKey(key string) *protocol.Error {
	if _, err := sessionkey.ParseStrict(key); err != nil {
		return protocol.NewError(protocol.ErrInvalidParams, "invalid key: "+err.Error())
	}
	return nil
}

func (m *SessionMethods) handlePreview(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	key := paramString(p, "key")
	if perr := validateKey(key); perr != nil {
		return nil, perr
	}
	data := m.sessions.GetOrCreate(key)
	return map[string]any{
		"key":          data.Key,
		"summary":      data.Summary,
		"messageCount": len(data.Messages),
		"updated":      data.Updated,
		"label":        data.Label,
	}, nil
}

func (m *SessionMethods) handlePatch(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	key := paramString(p, "key")
	if perr := validateKey(key); perr != nil {
		return nil, perr
	}
	if v, ok := p["label"].(string); ok {
		m.sessions.SetLabel(key, v)
	}
	if v, ok := p["summary"].(string); ok {
		m.sessions.SetSummary(key, v)
	}
	if err := m.sessions.Save(key); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]any{"ok": true}, nil
}

func (m *SessionMethods) handleReset(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	key := paramString(p, "key")
	if perr := validateKey(key); perr != nil {
		return nil, perr
	}
	m.sessions.Reset(key)
	return map[string]any{"ok": true}, nil
}

func (m *SessionMethods) handleDelete(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	key := paramString(p, "key")
	if perr := validateKey(key); perr != nil {
		return nil, perr
	}
	if err := m.sessions.Delete(key); err != nil {
		return nil, protocol.NewError(protocol.ErrInternal, err.Error())
	}
	return map[string]any{"ok": true}, nil
}
