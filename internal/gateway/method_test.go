package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

func testConn(scopes ScopeSet) *Connection {
	return &Connection{id: "conn-test", state: StateReady, scopes: scopes}
}

func TestDispatchMethodNotFound(t *testing.T) {
	r := NewMethodRouter()
	res := r.Dispatch(context.Background(), testConn(NewScopeSet(ScopeRead)), protocol.ReqFrame{ID: "1", Method: "nope"})
	if res.Error == nil || res.Error.Code != protocol.ErrMethodNotFound {
		t.Fatalf("expected method_not_found, got %+v", res.Error)
	}
}

func TestDispatchInvalidParamsMissingRequired(t *testing.T) {
	r := NewMethodRouter()
	r.Register(&Method{
		Name:   "echo",
		Scopes: NewScopeSet(ScopeRead),
		Schema: ParamSchema{Required: map[string]FieldType{"text": TString}},
		Handler: func(_ context.Context, _ *Connection, params map[string]any) (any, *protocol.Error) {
			return params["text"], nil
		},
	})

	res := r.Dispatch(context.Background(), testConn(NewScopeSet(ScopeRead)), protocol.ReqFrame{ID: "1", Method: "echo"})
	if res.Error == nil || res.Error.Code != protocol.ErrInvalidParams {
		t.Fatalf("expected invalid_params, got %+v", res.Error)
	}
}

func TestDispatchInvalidParamsWrongType(t *testing.T) {
	r := NewMethodRouter()
	r.Register(&Method{
		Name:   "echo",
		Scopes: NewScopeSet(ScopeRead),
		Schema: ParamSchema{Required: map[string]FieldType{"text": TString}},
		Handler: func(_ context.Context, _ *Connection, params map[string]any) (any, *protocol.Error) {
			return params["text"], nil
		},
	})

	params, _ := json.Marshal(map[string]any{"text": 5})
	res := r.Dispatch(context.Background(), testConn(NewScopeSet(ScopeRead)), protocol.ReqFrame{
		ID: "1", Method: "echo", Params: params,
	})
	if res.Error == nil || res.Error.Code != protocol.ErrInvalidParams {
		t.Fatalf("expected invalid_params for wrong type, got %+v", res.Error)
	}
}

func TestDispatchForbiddenWithoutScope(t *testing.T) {
	r := NewMethodRouter()
	r.Register(&Method{
		Name:   "admin.only",
		Scopes: NewScopeSet(ScopeAdmin),
		Handler: func(context.Context, *Connection, map[string]any) (any, *protocol.Error) {
			return "ok", nil
		},
	})

	res := r.Dispatch(context.Background(), testConn(NewScopeSet(ScopeRead)), protocol.ReqFrame{ID: "1", Method: "admin.only"})
	if res.Error == nil || res.Error.Code != protocol.ErrForbidden {
		t.Fatalf("expected forbidden, got %+v", res.Error)
	}
}

func TestDispatchSucceeds(t *testing.T) {
	r := NewMethodRouter()
	r.Register(&Method{
		Name:   "echo",
		Scopes: NewScopeSet(ScopeRead),
		Schema: ParamSchema{Required: map[string]FieldType{"text": TString}},
		Handler: func(_ context.Context, _ *Connection, params map[string]any) (any, *protocol.Error) {
			return params["text"], nil
		},
	})

	params, _ := json.Marshal(map[string]any{"text": "hi"})
	res := r.Dispatch(context.Background(), testConn(NewScopeSet(ScopeRead)), protocol.ReqFrame{
		ID: "1", Method: "echo", Params: params,
	})
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if !res.OK || res.Payload != "hi" {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestDispatchNilConnectionHasNoScopes(t *testing.T) {
	r := NewMethodRouter()
	r.Register(&Method{
		Name:   "whatever",
		Scopes: NewScopeSet(ScopeRead),
		Handler: func(context.Context, *Connection, map[string]any) (any, *protocol.Error) {
			return "ok", nil
		},
	})

	res := r.Dispatch(context.Background(), nil, protocol.ReqFrame{ID: "1", Method: "whatever"})
	if res.Error == nil || res.Error.Code != protocol.ErrForbidden {
		t.Fatalf("expected forbidden for a scopeless nil connection, got %+v", res.Error)
	}
}
