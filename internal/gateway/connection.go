package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw/internal/clock"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// ConnState is a Connection's position in the handshake state machine of
// spec.md §4.17: opened -> handshake_required -> ready -> closed.
type ConnState int

const (
	StateOpened ConnState = iota
	StateHandshakeRequired
	StateReady
	StateClosed
)

// writeDeadline bounds a single outbound frame write.
const writeDeadline = 10 * time.Second

// Connection is one WebSocket client session: its socket, its granted
// role/scopes once handshaken, and a monotonic event sequence counter.
// Grounded on the teacher's Client type referenced (but not retrieved)
// from gateway/server.go's s.clients map and c.SendEvent/client.Run calls.
type Connection struct {
	id     string
	conn   *websocket.Conn
	server *Server

	// authRole/authScopes are the bearer-token-validated ceiling from
	// AuthenticateRequest, fixed for the socket's lifetime. The connect
	// frame's self-declared role/scopes can only narrow this, never
	// widen it — see Server.resolveScopes.
	authRole   string
	authScopes []string

	mu     sync.Mutex
	state  ConnState
	role   string
	scopes ScopeSet

	seq uint64

	writeMu sync.Mutex
}

// NewConnection wraps an upgraded socket already validated by
// AuthenticateRequest; authRole/authScopes are that validation's result.
// The connection starts opened and immediately moves to
// handshake_required — every request before a successful connect gets
// ErrHandshakeRequired.
func NewConnection(wsConn *websocket.Conn, srv *Server, authRole string, authScopes []string) *Connection {
	c := &Connection{
		id:         clock.NewID("conn"),
		conn:       wsConn,
		server:     srv,
		state:      StateOpened,
		authRole:   authRole,
		authScopes: authScopes,
	}
	c.state = StateHandshakeRequired
	return c
}

// ID returns the connection's unique id (also its presence key).
func (c *Connection) ID() string { return c.id }

// State returns the current handshake state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Scopes returns the scopes granted at handshake (empty before ready).
func (c *Connection) Scopes() ScopeSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopes
}

// Role returns the handshake role, or "" before ready.
func (c *Connection) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// promote moves handshake_required -> ready on a valid connect, per
// spec.md §4.17's state machine. A second connect attempt while already
// ready returns already_connected and leaves state untouched.
func (c *Connection) promote(role string, scopes ScopeSet) *protocol.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReady:
		return protocol.NewError(protocol.ErrAlreadyConnected, "connection already handshaken")
	case StateClosed:
		return protocol.NewError(protocol.ErrUnavailable, "connection closed")
	}
	c.role = role
	c.scopes = scopes
	c.state = StateReady
	return nil
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	wasReady := c.state == StateReady
	c.state = StateClosed
	c.mu.Unlock()
	if wasReady {
		c.server.presence.Remove(c.id)
	}
}

// SendEvent writes an EventFrame to the socket, stamping the next
// per-connection sequence number. EventBridge computes stateVersion and
// payload; Connection only owns sequencing and the wire write.
func (c *Connection) SendEvent(ev protocol.EventFrame) error {
	ev.Seq = atomic.AddUint64(&c.seq, 1)
	return c.writeJSON(ev)
}

// SendResponse writes a ResFrame.
func (c *Connection) SendResponse(res protocol.ResFrame) error {
	return c.writeJSON(res)
}

// SendHelloOk writes the special first reply to a successful connect.
func (c *Connection) SendHelloOk(h protocol.HelloOk) error {
	return c.writeJSON(h)
}

func (c *Connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Close closes the underlying socket. Idempotent.
func (c *Connection) Close() error {
	c.markClosed()
	return c.conn.Close()
}

// Run drives the connection's read loop until the socket closes or ctx
// is cancelled. Every frame decodes to a ReqFrame; "connect" is handled
// specially (handshake), everything else dispatches through the server's
// MethodRouter.
func (c *Connection) Run(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("gateway: connection read error", "conn_id", c.id, "error", err)
			}
			return
		}

		var req protocol.ReqFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			c.SendResponse(protocol.NewResErr("", protocol.NewError(protocol.ErrInvalidRequest, "malformed frame: "+err.Error())))
			continue
		}

		c.handleRequest(ctx, req)
	}
}

func (c *Connection) handleRequest(ctx context.Context, req protocol.ReqFrame) {
	if req.Method == protocol.MethodConnect {
		c.handleConnect(req)
		return
	}

	if c.State() != StateReady {
		c.SendResponse(protocol.NewResErr(req.ID, protocol.NewError(protocol.ErrHandshakeRequired, "send connect first")))
		return
	}

	if c.server.rateLimiter != nil && !c.server.rateLimiter.Allow(c.id) {
		c.SendResponse(protocol.NewResErr(req.ID, protocol.NewError(protocol.ErrRateLimited, "too many requests")))
		return
	}

	res := c.server.router.Dispatch(ctx, c, req)
	c.SendResponse(res)
}

// connectParams is the payload of a connect request.
type connectParams struct {
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes"`
	ClientID string   `json:"clientId"`
}

func (c *Connection) handleConnect(req protocol.ReqFrame) {
	var p connectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			c.SendResponse(protocol.NewResErr(req.ID, protocol.NewError(protocol.ErrInvalidParams, "bad connect params: "+err.Error())))
			return
		}
	}
	if p.Role == "" {
		c.SendResponse(protocol.NewResErr(req.ID, protocol.NewError(protocol.ErrInvalidParams, "role is required")))
		return
	}

	// p.Role/p.Scopes are the client's wishlist, not a grant: the role
	// that sticks is the one AuthenticateRequest already validated the
	// bearer token for, and requested scopes only ever narrow that
	// token's ceiling (see Server.resolveScopes).
	granted := c.server.resolveScopes(c.authRole, c.authScopes, p.Scopes)
	if perr := c.promote(c.authRole, granted); perr != nil {
		c.SendResponse(protocol.NewResErr(req.ID, perr))
		return
	}

	c.server.presence.Add(c.id, c.authRole, p.ClientID)

	hello := protocol.HelloOk{
		Type:     "hello_ok",
		Protocol: protocol.ProtocolVersion,
		Server: protocol.HelloOkServer{
			Version: protocol.ProtocolVersion,
			ConnID:  c.id,
			Host:    c.server.host,
		},
		Features: protocol.HelloOkFeatures{
			Methods: c.server.router.Names(),
			Events:  c.server.bridge.EventNames(),
		},
		Snapshot: protocol.HelloOkSnapshot{
			Presence: c.server.presence.Snapshot(),
		},
		Policy: protocol.HelloOkPolicy{
			MaxPayload:       c.server.maxPayloadBytes,
			MaxBufferedBytes: c.server.maxBufferedBytes,
			TickIntervalMs:   int(c.server.tickInterval / time.Millisecond),
		},
		Auth: protocol.HelloOkAuth{
			Role:   c.authRole,
			Scopes: granted.List(),
		},
	}
	c.SendHelloOk(hello)
}
