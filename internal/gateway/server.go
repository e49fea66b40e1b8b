package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

const (
	defaultMaxPayloadBytes   = 1 << 20 // 1 MiB
	defaultMaxBufferedBytes  = 4 << 20 // 4 MiB
	defaultTickIntervalMS    = 1000
	defaultControlCallTimeout = 10 * time.Second
)

// Server is the control-plane WebSocket/HTTP process (spec.md §6): it
// upgrades connections, hands them a MethodRouter for RPC dispatch, and
// runs an EventBridge that fans bus events out to every live client.
//
// Grounded on the teacher's internal/gateway/server.go (Server struct,
// upgrader/rate-limiter/checkOrigin, BuildMux/Start/handleWebSocket
// shape) — rewired here onto the automation fabric's own collaborators
// (bus.MessageBus, store.TokenStore, the cron/heartbeat/approvals
// managers) instead of the teacher's agent/tools/permissions stack, none
// of which are part of this spec's scope.
type Server struct {
	cfg    *config.Config
	msgBus *bus.MessageBus
	tokens store.TokenStore

	host string

	router    *MethodRouter
	presence  *Presence
	bridge    *EventBridge

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Connection

	maxPayloadBytes  int
	maxBufferedBytes int
	tickInterval     time.Duration

	httpServer *http.Server
}

// NewServer constructs a gateway Server. msgBus is shared with the
// cron/heartbeat/approvals/ingest components so control-plane clients
// observe the same events those components broadcast.
func NewServer(cfg *config.Config, msgBus *bus.MessageBus, tokens store.TokenStore) *Server {
	host, _ := os.Hostname()
	s := &Server{
		cfg:              cfg,
		msgBus:           msgBus,
		tokens:           tokens,
		host:             host,
		router:           NewMethodRouter(),
		clients:          make(map[string]*Connection),
		maxPayloadBytes:  defaultMaxPayloadBytes,
		maxBufferedBytes: defaultMaxBufferedBytes,
		tickInterval:     defaultTickIntervalMS * time.Millisecond,
	}
	s.presence = NewPresence(msgBus, os.Getpid())
	s.bridge = NewEventBridge(msgBus, s)
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	registerHealthMethod(s.router)
	return s
}

// Router exposes the MethodRouter so method groups (cron, heartbeat,
// approvals, sessions, chat) can Register themselves after construction.
func (s *Server) Router() *MethodRouter { return s.router }

// Bridge exposes the EventBridge, e.g. so runsub.Submitter /
// cron.Manager can SubscribeRun/UnsubscribeRun as runs start/finish.
func (s *Server) Bridge() *EventBridge { return s.bridge }

// Presence exposes the presence tracker.
func (s *Server) Presence() *Presence { return s.presence }

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway: cors rejected", "origin", origin)
	return false
}

// resolveScopes computes the scopes a connect request actually gets.
// authRole/authScopes come from AuthenticateRequest (the bearer token
// validated at the HTTP upgrade) and are the ceiling: requested is the
// connect frame's self-declared scopes wishlist, which can only narrow
// that ceiling, never widen it. A client asking for scopes its token
// doesn't carry silently gets the intersection, not the wishlist.
func (s *Server) resolveScopes(authRole string, authScopes []string, requested []string) ScopeSet {
	var ceiling ScopeSet
	if len(authScopes) > 0 {
		scopes := make([]Scope, 0, len(authScopes))
		for _, sc := range authScopes {
			scopes = append(scopes, Scope(sc))
		}
		ceiling = NewScopeSet(scopes...)
	} else {
		switch authRole {
		case "admin":
			ceiling = NewScopeSet(ScopeRead, ScopeWrite, ScopeAdmin, ScopeApprovals, ScopePairing, ScopeInvoke, ScopeEvent, ScopeControl)
		case "operator":
			ceiling = NewScopeSet(ScopeRead, ScopeWrite, ScopeApprovals, ScopeInvoke, ScopeEvent)
		default:
			ceiling = NewScopeSet(ScopeRead, ScopeEvent)
		}
	}

	if len(requested) == 0 {
		return ceiling
	}
	wanted := make([]Scope, 0, len(requested))
	for _, r := range requested {
		wanted = append(wanted, Scope(r))
	}
	return ceiling.Intersect(NewScopeSet(wanted...))
}

// AuthenticateRequest validates the bearer token on an incoming HTTP
// upgrade request against the TokenStore (or the legacy single-secret
// cfg.Gateway.Token). It returns the granted role and scopes.
func (s *Server) AuthenticateRequest(r *http.Request) (role string, scopes []string, ok bool) {
	authz := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authz, "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	if s.cfg.Gateway.Token == "" && s.tokens == nil {
		return "admin", nil, true // no auth configured: dev mode, matches teacher's backward-compat default
	}
	if token == "" {
		return "", nil, false
	}
	if s.cfg.Gateway.Token != "" && token == s.cfg.Gateway.Token {
		return "admin", nil, true
	}
	if s.tokens != nil {
		hash := sha256Hex(token)
		if tok, found := s.tokens.Lookup(hash); found && tok.Active() {
			return tok.Role, tok.Scopes, true
		}
	}
	return "", nil, false
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// BuildMux creates the HTTP mux with the WebSocket and health endpoints.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins listening and runs until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.bridge.Start()

	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway: starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.msgBus.Broadcast(bus.TopicSystem, bus.Event{Name: "shutdown", Payload: map[string]any{}})
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	role, scopes, ok := s.AuthenticateRequest(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	c := NewConnection(conn, s, role, scopes)

	s.registerClient(c)
	defer s.unregisterClient(c)

	c.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d,"connections":%d}`, protocol.ProtocolVersion, s.presence.Count())
}

func (s *Server) registerClient(c *Connection) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("gateway: connection opened", "conn_id", c.id)
}

func (s *Server) unregisterClient(c *Connection) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.rateLimiter.Forget(c.id)
	c.Close()
	slog.Info("gateway: connection closed", "conn_id", c.id)
}

// liveConnections returns a snapshot of every currently-open connection,
// for EventBridge fan-out.
func (s *Server) liveConnections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func registerHealthMethod(router *MethodRouter) {
	router.Register(&Method{
		Name:   protocol.MethodHealth,
		Scopes: NewScopeSet(ScopeRead, ScopeEvent, ScopeWrite, ScopeAdmin, ScopeControl, ScopeInvoke, ScopeApprovals, ScopePairing),
		Handler: func(_ context.Context, _ *Connection, _ map[string]any) (any, *protocol.Error) {
			return map[string]any{"status": "ok", "protocol": protocol.ProtocolVersion}, nil
		},
	})
}
