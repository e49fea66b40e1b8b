// Package gateway implements the control-plane dispatch fabric: the
// Method Registry (spec.md §4.14), Protocol Frames wiring (§4.15, types
// live in pkg/protocol), EventBridge (§4.16), and the per-connection
// handshake/presence state machine (§4.17).
//
// Grounded on the teacher's internal/gateway/server.go (Server/Client
// split, gorilla/websocket upgrade loop, rate limiter) and
// internal/gateway/methods/*.go (a *XxxMethods type with a
// Register(router *MethodRouter) method that registers one handler per
// RPC name) — generalized here to the automation-fabric's mandatory
// method families instead of the teacher's managed-mode CRUD surface.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// FieldType names the param schema types spec.md §4.14 enumerates.
type FieldType string

const (
	TString  FieldType = "string"
	TInteger FieldType = "integer"
	TBoolean FieldType = "boolean"
	TMapping FieldType = "mapping"
	TList    FieldType = "list"
	TAny     FieldType = "any"
)

// ParamSchema declares a method's expected params shape. Required fields
// missing, or present with the wrong type, fail dispatch with
// invalid_params before the handler ever runs.
type ParamSchema struct {
	Required map[string]FieldType
	Optional map[string]FieldType
}

func checkType(v any, t FieldType) bool {
	switch t {
	case TAny:
		return true
	case TString:
		_, ok := v.(string)
		return ok
	case TBoolean:
		_, ok := v.(bool)
		return ok
	case TInteger:
		switch n := v.(type) {
		case float64:
			return n == float64(int64(n))
		case int, int64:
			return true
		default:
			return false
		}
	case TMapping:
		_, ok := v.(map[string]any)
		return ok
	case TList:
		_, ok := v.([]any)
		return ok
	default:
		return false
	}
}

// Validate decodes raw params (a JSON object, or absent) and checks them
// against the schema. It returns the decoded map on success.
func (s ParamSchema) Validate(raw json.RawMessage) (map[string]any, *protocol.Error) {
	params := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, protocol.NewError(protocol.ErrInvalidParams, "params must be a JSON object: "+err.Error())
		}
	}
	for name, t := range s.Required {
		v, ok := params[name]
		if !ok {
			return nil, protocol.NewError(protocol.ErrInvalidParams, fmt.Sprintf("missing required param %q", name))
		}
		if !checkType(v, t) {
			return nil, protocol.NewError(protocol.ErrInvalidParams, fmt.Sprintf("param %q must be %s", name, t))
		}
	}
	for name, t := range s.Optional {
		if v, ok := params[name]; ok && !checkType(v, t) {
			return nil, protocol.NewError(protocol.ErrInvalidParams, fmt.Sprintf("param %q must be %s", name, t))
		}
	}
	return params, nil
}

// HandlerFunc is a method's business logic: decoded+validated params in,
// a JSON-able payload (or an *protocol.Error) out.
type HandlerFunc func(ctx context.Context, conn *Connection, params map[string]any) (any, *protocol.Error)

// Method is one entry in the MethodRegistry: a name, its required scopes,
// its param schema, and its handler (spec.md §4.14).
type Method struct {
	Name    string
	Scopes  ScopeSet
	Schema  ParamSchema
	Handler HandlerFunc
}

// MethodRouter is the Method Registry: name -> Method, plus the
// lookup -> validate -> authorize -> invoke dispatch path.
type MethodRouter struct {
	methods map[string]*Method
}

// NewMethodRouter constructs an empty registry.
func NewMethodRouter() *MethodRouter {
	return &MethodRouter{methods: make(map[string]*Method)}
}

// Register adds (or replaces) a method. Capability-gated method groups
// are simply not registered when their feature is disabled — a
// subsequent dispatch to that name falls through to method_not_found,
// matching spec.md §4.14's "disabled methods return method_not_found".
func (r *MethodRouter) Register(m *Method) {
	r.methods[m.Name] = m
}

// Has reports whether a method name is currently registered.
func (r *MethodRouter) Has(name string) bool {
	_, ok := r.methods[name]
	return ok
}

// Names returns every registered method name, for hello_ok.features.methods.
func (r *MethodRouter) Names() []string {
	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	return out
}

// Dispatch implements spec.md §4.14's four-step path. conn carries the
// connection's granted scopes; a nil conn (used only by tests) is
// treated as having no scopes.
func (r *MethodRouter) Dispatch(ctx context.Context, conn *Connection, req protocol.ReqFrame) protocol.ResFrame {
	m, ok := r.methods[req.Method]
	if !ok {
		return protocol.NewResErr(req.ID, protocol.NewError(protocol.ErrMethodNotFound, "unknown method "+req.Method))
	}

	params, verr := m.Schema.Validate(req.Params)
	if verr != nil {
		return protocol.NewResErr(req.ID, verr)
	}

	var granted ScopeSet
	if conn != nil {
		granted = conn.Scopes()
	}
	if !granted.Intersects(m.Scopes) {
		return protocol.NewResErr(req.ID, protocol.NewError(protocol.ErrForbidden, "missing required scope for "+req.Method))
	}

	payload, herr := m.Handler(ctx, conn, params)
	if herr != nil {
		return protocol.NewResErr(req.ID, herr)
	}
	return protocol.NewResOK(req.ID, payload)
}
