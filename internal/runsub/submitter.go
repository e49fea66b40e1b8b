package runsub

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/clock"
)

// MaxAnswerChars bounds the truncated answer text Submit returns, per
// spec.md §4.12 "Waiter output: truncate answer to 1000 characters."
const MaxAnswerChars = 1000

// DefaultTimeout is used when a Job carries no TimeoutMS.
const DefaultTimeout = 5 * time.Minute

// Router abstracts the external run-submission collaborator (the agent
// router named throughout spec.md §1 as an external collaborator). Submit
// should return promptly; the actual outcome arrives asynchronously as a
// bus event on RunTopic(runID).
type Router interface {
	// Submit starts job and returns the router's own run id, which may
	// differ from job.RunID. The caller re-subscribes to the returned id
	// if it differs.
	Submit(ctx context.Context, job Job) (routerRunID string, err error)
	// Abort best-effort cancels an in-flight run.
	Abort(ctx context.Context, runID string) error
}

// Memory abstracts the optional memory collaborator a Submitter appends
// a transcript record to after each run. A nil Memory disables this step,
// matching spec.md's "Option<Handle>" treatment of optional collaborators.
type Memory interface {
	Append(ctx context.Context, rec MemoryRecord) error
}

// Submitter implements spec.md §4.12: subscribe-before-submit, terminal-
// event wait with timeout, answer truncation, optional memory append.
type Submitter struct {
	bus    *bus.MessageBus
	router Router
	memory Memory
	clk    clock.Clock
}

// Option configures a Submitter at construction.
type Option func(*Submitter)

func WithMemory(m Memory) Option       { return func(s *Submitter) { s.memory = m } }
func WithClock(c clock.Clock) Option   { return func(s *Submitter) { s.clk = c } }

// NewSubmitter constructs a Submitter over msgBus and router.
func NewSubmitter(msgBus *bus.MessageBus, router Router, opts ...Option) *Submitter {
	s := &Submitter{bus: msgBus, router: router, clk: clock.Real{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// terminalEvent is what run: topic subscribers expect, matching the
// bus.Event.Payload shape Cron Manager and EventBridge both decode.
type terminalEvent struct {
	ok       bool
	answer   string
	errText  string
	isFailed bool
}

// Submit implements the full subscribe -> router.Submit -> wait ->
// unsubscribe -> memory-append sequence. It never blocks past
// job.TimeoutMS (or DefaultTimeout if unset).
func (s *Submitter) Submit(ctx context.Context, job Job) (Result, error) {
	if job.RunID == "" {
		job.RunID = clock.NewID("run")
	}
	timeout := time.Duration(job.TimeoutMS) * time.Millisecond
	if job.TimeoutMS <= 0 {
		timeout = DefaultTimeout
	}

	subID := clock.NewID("sub")
	topic := bus.RunTopic(job.RunID)
	done := make(chan terminalEvent, 1)

	subscribe := func(t string) {
		s.bus.Subscribe(t, subID, func(ev bus.Event) {
			te, ok := decodeTerminalEvent(ev)
			if !ok {
				return
			}
			select {
			case done <- te:
			default:
			}
		})
	}
	subscribe(topic)

	routerRunID, err := s.router.Submit(ctx, job)
	if err != nil {
		s.bus.Unsubscribe(topic, subID)
		s.appendMemory(ctx, job, "", err.Error())
		return Result{OK: false, Error: err.Error()}, err
	}

	// The router renamed the run: move our subscription so completion
	// events on its topic are not missed.
	if routerRunID != "" && routerRunID != job.RunID {
		s.bus.Unsubscribe(topic, subID)
		topic = bus.RunTopic(routerRunID)
		subscribe(topic)
	}

	var result Result
	select {
	case te := <-done:
		result = Result{
			OK: te.ok && !te.isFailed, Answer: truncateChars(te.answer, MaxAnswerChars),
			Error: te.errText, RouterRunID: routerRunID,
		}
	case <-time.After(timeout):
		result = Result{OK: false, TimedOut: true, Error: "timeout", RouterRunID: routerRunID}
	case <-ctx.Done():
		result = Result{OK: false, Error: ctx.Err().Error(), RouterRunID: routerRunID}
	}

	s.bus.Unsubscribe(topic, subID)
	s.appendMemory(ctx, job, result.Answer, result.Error)
	return result, nil
}

func (s *Submitter) appendMemory(ctx context.Context, job Job, answer, errText string) {
	if s.memory == nil {
		return
	}
	_ = s.memory.Append(ctx, MemoryRecord{
		SessionKey: job.SessionKey, RunID: job.RunID, Prompt: job.Prompt, Answer: answer, Err: errText,
	})
}

// decodeTerminalEvent recognizes the two terminal bus events a run topic
// carries: run_completed{ok, answer|error} and run_failed{reason}. Any
// other event on the topic (e.g. a streamed delta) is ignored.
func decodeTerminalEvent(ev bus.Event) (terminalEvent, bool) {
	payload, _ := ev.Payload.(map[string]any)
	switch ev.Name {
	case "run_completed":
		te := terminalEvent{ok: true}
		if payload != nil {
			if okv, ok := payload["ok"].(bool); ok {
				te.ok = okv
			}
			if a, ok := payload["answer"].(string); ok {
				te.answer = a
			}
			if e, ok := payload["error"].(string); ok {
				te.errText = e
			}
		}
		return te, true
	case "run_failed":
		te := terminalEvent{ok: false, isFailed: true}
		if payload != nil {
			if r, ok := payload["reason"].(string); ok {
				te.errText = r
			}
		}
		return te, true
	default:
		return terminalEvent{}, false
	}
}

func truncateChars(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
