package protocol

import "encoding/json"

// ProtocolVersion is the control-plane wire protocol version advertised
// in hello_ok.
const ProtocolVersion = 1

// ErrCode is the transport-independent error taxonomy of spec.md §7.
type ErrCode string

const (
	ErrInvalidRequest    ErrCode = "invalid_request"
	ErrInvalidParams     ErrCode = "invalid_params"
	ErrMethodNotFound    ErrCode = "method_not_found"
	ErrUnauthorized      ErrCode = "unauthorized"
	ErrForbidden         ErrCode = "forbidden"
	ErrNotFound          ErrCode = "not_found"
	ErrConflict          ErrCode = "conflict"
	ErrInternal          ErrCode = "internal_error"
	ErrNotImplemented    ErrCode = "not_implemented"
	ErrHandshakeRequired ErrCode = "handshake_required"
	ErrAlreadyConnected  ErrCode = "already_connected"
	ErrUnavailable       ErrCode = "unavailable"
	ErrTimeout           ErrCode = "timeout"
	ErrRateLimited       ErrCode = "rate_limited"

	// Cron-specific kinds surfaced through the same {code, message} shape.
	ErrInvalidSchedule  ErrCode = "invalid_schedule"
	ErrMissingKeys      ErrCode = "missing_keys"
	ErrImmutableFields  ErrCode = "immutable_fields"
)

// Error is the {code, message, details?} shape carried in a failed ResFrame.
type Error struct {
	Code    ErrCode `json:"code"`
	Message string  `json:"message"`
	Details any     `json:"details,omitempty"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// NewError builds an *Error, the usual way a Method handler reports failure.
func NewError(code ErrCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ReqFrame is a client→server JSON-RPC-shaped request.
type ReqFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResFrame is the server's reply to a ReqFrame.
type ResFrame struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // always "res"
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// NewResOK builds a successful ResFrame.
func NewResOK(id string, payload any) ResFrame {
	return ResFrame{ID: id, Type: "res", OK: true, Payload: payload}
}

// NewResErr builds a failed ResFrame.
func NewResErr(id string, err *Error) ResFrame {
	return ResFrame{ID: id, Type: "res", OK: false, Error: err}
}

// EventFrame is a server→client unsolicited event.
type EventFrame struct {
	Type         string `json:"type"` // always "event"
	Event        string `json:"event"`
	Seq          uint64 `json:"seq"`
	Payload      any    `json:"payload"`
	StateVersion uint64 `json:"stateVersion,omitempty"`
}

// NewEvent builds an EventFrame with seq/stateVersion left for the caller
// (normally the EventBridge) to stamp.
func NewEvent(name string, payload any) *EventFrame {
	return &EventFrame{Type: "event", Event: name, Payload: payload}
}

// HelloOkServer describes the server identity in a hello_ok frame.
type HelloOkServer struct {
	Version int    `json:"version"`
	ConnID  string `json:"connId"`
	Host    string `json:"host"`
}

// HelloOkFeatures advertises the method/event surface available to this
// connection (post capability-gating).
type HelloOkFeatures struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// HelloOkSnapshot carries a point-in-time view so the client doesn't need
// a round-trip before rendering.
type HelloOkSnapshot struct {
	Presence any `json:"presence,omitempty"`
	Health   any `json:"health,omitempty"`
}

// HelloOkPolicy communicates server-enforced limits.
type HelloOkPolicy struct {
	MaxPayload        int `json:"maxPayload"`
	MaxBufferedBytes   int `json:"maxBufferedBytes"`
	TickIntervalMs    int `json:"tickIntervalMs"`
}

// HelloOkAuth echoes back the role/scopes granted to this connection.
type HelloOkAuth struct {
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
}

// HelloOk is the special first reply to a successful connect request —
// sent instead of a ResFrame (spec.md §4.17).
type HelloOk struct {
	Type     string          `json:"type"` // always "hello_ok"
	Protocol int             `json:"protocol"`
	Server   HelloOkServer   `json:"server"`
	Features HelloOkFeatures `json:"features"`
	Snapshot HelloOkSnapshot `json:"snapshot"`
	Policy   HelloOkPolicy   `json:"policy"`
	Auth     HelloOkAuth     `json:"auth"`
}
