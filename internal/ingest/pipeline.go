// Package ingest implements the Transport Ingest pipeline (spec.md
// §4.11): the per-transport funnel that turns a raw inbound event into
// a submitted runsub.Job, handling control commands, dedupe, debounce,
// engine-directive stripping, resume-token extraction, and non-text
// placeholder replies ahead of submission.
//
// Grounded on the teacher's channels.BaseChannel.HandleMessage/CheckPolicy
// (allowlist + policy gate before any message reaches the bus) and
// channels/whatsapp's pairing debounce sync.Map pattern, reused here for
// message debounce instead of pairing confirmation.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw/internal/clock"
	"github.com/nextlevelbuilder/goclaw/internal/pollerlock"
	"github.com/nextlevelbuilder/goclaw/internal/runsub"
)

// engineDirective matches a leading engine hint token, e.g. "/codex do
// the thing" -> engine "codex", rest "do the thing".
var engineDirective = regexp.MustCompile(`^/(lemon|codex|claude|opencode|pi|echo)\b\s*`)

// resumeToken matches an embedded resume marker naming a prior run to
// continue. The exact token shape is left to the implementer per
// spec.md §9; "resume:<id>" is the concrete choice made here.
var resumeToken = regexp.MustCompile(`resume:([A-Za-z0-9_-]+)`)

// controlCommands map a control command (the whole trimmed message text)
// to the queue mode it requests; cancellation is handled by cancelCommand.
var controlCommands = map[string]runsub.QueueMode{
	"/steer":    runsub.QueueSteer,
	"/followup": runsub.QueueFollowup,
	"/interrupt": runsub.QueueInterrupt,
}

const cancelCommand = "/cancel"

// PlaceholderAction is the ingest decision for non-text content
// (spec.md §4.11 "Placeholder handling").
type PlaceholderAction string

const (
	ActionIgnore            PlaceholderAction = "ignore"
	ActionPlaceholderReply  PlaceholderAction = "placeholder_reply"
	ActionRuntimeSubmit     PlaceholderAction = "runtime_submit"
)

const placeholderText = "I can only process text XMTP messages right now…"
const placeholderMaxBytes = 220

// ClassifyNonText decides how ingest should handle a message whose text
// body is empty (XMTP-shaped transports that may carry non-text content).
func ClassifyNonText(hasMedia bool, text string) PlaceholderAction {
	if strings.TrimSpace(text) != "" {
		return ActionRuntimeSubmit
	}
	if !hasMedia {
		return ActionIgnore
	}
	return ActionPlaceholderReply
}

// PlaceholderReply returns the canned reply text for ActionPlaceholderReply,
// truncated to the spec's 220-byte cap.
func PlaceholderReply() string {
	b := []byte(placeholderText)
	if len(b) <= placeholderMaxBytes {
		return placeholderText
	}
	return string(b[:placeholderMaxBytes])
}

// Event is one raw inbound item handed to the pipeline by a transport.
type Event struct {
	PeerID      string
	ThreadID    string
	MessageID   string
	Text        string
	ReplyToText string // text of the message being replied to, if any
	HasMedia    bool
	AgentID     string
	SessionKey  string
	Meta        map[string]any
}

// Transport is the collaborator a Pipeline drives: it knows how to reply
// in-band (for command acks and placeholders) and how to abort/steer an
// in-flight run for its own sessions.
type Transport interface {
	Reply(ctx context.Context, ev Event, text string) error
	Abort(ctx context.Context, sessionKey string) error
	SetQueueMode(sessionKey string, mode runsub.QueueMode)
}

// Executor submits a synthesized Job and returns its outcome, normally an
// *runsub.Submitter.
type Executor interface {
	Submit(ctx context.Context, job runsub.Job) (runsub.Result, error)
}

// Config tunes debounce/dedupe/throttle behavior; zero value uses the
// defaults.
type Config struct {
	DebounceMS int64
	DedupeTTL  time.Duration

	// RatePerSecond and RateBurst bound how many events per second this
	// transport's Pipeline will accept before dropping the overflow, guarding
	// the runtime against a flooding or misbehaving transport (a stuck
	// webhook retrying in a loop, a compromised bot token). Zero uses the
	// defaults.
	RatePerSecond float64
	RateBurst     int
}

func (c Config) debounce() time.Duration {
	if c.DebounceMS <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func (c Config) dedupeTTL() time.Duration {
	if c.DedupeTTL <= 0 {
		return 2 * time.Minute
	}
	return c.DedupeTTL
}

func (c Config) ratePerSecond() rate.Limit {
	if c.RatePerSecond <= 0 {
		return rate.Limit(20)
	}
	return rate.Limit(c.RatePerSecond)
}

func (c Config) rateBurst() int {
	if c.RateBurst <= 0 {
		return 40
	}
	return c.RateBurst
}

// Seen is the dedupe collaborator a Pipeline consults; *dedupe.TTLTable
// and *dedupe.RingTable both satisfy it.
type Seen interface {
	Seen(key string) bool
}

// Pipeline runs the full per-transport ingest sequence for one transport
// instance (spec.md §4.11).
type Pipeline struct {
	cfg       Config
	dedupe    Seen
	transport Transport
	executor  Executor
	limiter   *rate.Limiter

	mu      sync.Mutex
	pending map[string]*debounceBuffer // "peer:thread" -> buffer
}

type debounceBuffer struct {
	timer    *time.Timer
	messages []string
	lastID   string
	lastEv   Event
}

// New builds a Pipeline over transport/executor using dedupe as the seen-set.
func New(transport Transport, executor Executor, dedupe Seen, cfg Config) *Pipeline {
	return &Pipeline{
		cfg: cfg, dedupe: dedupe, transport: transport, executor: executor,
		limiter: rate.NewLimiter(cfg.ratePerSecond(), cfg.rateBurst()),
		pending: make(map[string]*debounceBuffer),
	}
}

// HandleEvent runs the ingest sequence of spec.md §4.11 steps 1-6 for ev.
func (p *Pipeline) HandleEvent(ctx context.Context, ev Event) {
	if !p.limiter.Allow() {
		slog.Warn("ingest: event dropped by per-transport rate limit", "peer_id", ev.PeerID, "thread_id", ev.ThreadID)
		return
	}

	if strings.TrimSpace(ev.Text) == cancelCommand {
		_ = p.transport.Abort(ctx, ev.SessionKey)
		return
	}
	if mode, ok := controlCommands[strings.TrimSpace(ev.Text)]; ok {
		p.transport.SetQueueMode(ev.SessionKey, mode)
		return
	}

	key := ev.PeerID + ":" + ev.ThreadID + ":" + ev.MessageID
	if p.dedupe != nil && p.dedupe.Seen(key) {
		return
	}

	if ev.Text == "" {
		switch ClassifyNonText(ev.HasMedia, ev.Text) {
		case ActionIgnore:
			return
		case ActionPlaceholderReply:
			_ = p.transport.Reply(ctx, ev, PlaceholderReply())
			return
		}
	}

	if isCommandShaped(ev.Text) {
		p.dispatch(ctx, ev, ev.Text, ev.MessageID)
		return
	}

	p.debounceAppend(ctx, ev)
}

// isCommandShaped reports whether text should bypass the debounce buffer
// and dispatch immediately, per spec.md §4.11 step 3.
func isCommandShaped(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "/")
}

func (p *Pipeline) debounceAppend(ctx context.Context, ev Event) {
	bufKey := ev.PeerID + ":" + ev.ThreadID

	p.mu.Lock()
	buf, ok := p.pending[bufKey]
	if !ok {
		buf = &debounceBuffer{}
		p.pending[bufKey] = buf
	}
	buf.messages = append(buf.messages, ev.Text)
	buf.lastID = ev.MessageID
	buf.lastEv = ev
	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = time.AfterFunc(p.cfg.debounce(), func() {
		p.flush(ctx, bufKey)
	})
	p.mu.Unlock()
}

func (p *Pipeline) flush(ctx context.Context, bufKey string) {
	p.mu.Lock()
	buf, ok := p.pending[bufKey]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, bufKey)
	p.mu.Unlock()

	text := strings.Join(buf.messages, "\n\n")
	p.dispatch(ctx, buf.lastEv, text, buf.lastID)
}

func (p *Pipeline) dispatch(ctx context.Context, ev Event, text, correlationID string) {
	engineHint, prompt := stripEngineDirective(text)

	// A resume token, whether in the message itself or in the text it
	// replies to, wins the engine choice over any stripped directive.
	if m := resumeToken.FindStringSubmatch(prompt); m != nil {
		engineHint = ""
		prompt = fmt.Sprintf("resume:%s %s", m[1], prompt)
	} else if m := resumeToken.FindStringSubmatch(ev.ReplyToText); m != nil {
		engineHint = ""
		prompt = fmt.Sprintf("resume:%s %s", m[1], prompt)
	}

	meta := map[string]any{"correlation_id": correlationID}
	for k, v := range ev.Meta {
		meta[k] = v
	}

	job := runsub.Job{
		RunID:      clock.NewID("run"),
		SessionKey: ev.SessionKey,
		Prompt:     prompt,
		AgentID:    ev.AgentID,
		EngineHint: engineHint,
		QueueMode:  runsub.QueueCollect,
		Meta:       meta,
	}

	go func() {
		_, _ = p.executor.Submit(ctx, job)
	}()
}

func stripEngineDirective(text string) (engine, rest string) {
	m := engineDirective.FindStringSubmatch(text)
	if m == nil {
		return "", text
	}
	return m[1], engineDirective.ReplaceAllString(text, "")
}

// OffsetStore persists a transport's resumable cursor (Telegram update id,
// XMTP sequence cursor) across restarts.
type OffsetStore interface {
	GetOffset(key string) (int64, error)
	SetOffset(key string, offset int64) error
}

// AcquirePoll acquires the PollerLock for (accountID, secret) before a
// transport's long-poll/ingest loop starts, per spec.md §4.11 "Ingest
// must hold the PollerLock for its (account, token) pair."
func AcquirePoll(ctx context.Context, lockDir, accountID, secret string) (*pollerlock.Lock, error) {
	key := pollerlock.Key(accountID, secret)
	return pollerlock.Acquire(ctx, lockDir, key, nil)
}
