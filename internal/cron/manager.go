package cron

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/clock"
	"github.com/nextlevelbuilder/goclaw/internal/runsub"
	"github.com/nextlevelbuilder/goclaw/internal/sessionkey"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// SummaryMarker delimits the forwarded run output injected into a job's
// base session, so the agent can tell a cron-forwarded message apart from
// a user turn. spec.md §9 calls this marker a domain assumption an
// implementer replacing the upstream agent may swap for a different one.
const SummaryMarker = "RUN SUMMARY"

// MaxForwardBytes bounds how much of a forwarded completion gets injected
// into the base session, truncated on a UTF-8 boundary (spec.md §4.9).
const MaxForwardBytes = 12000

// DefaultTickInterval matches spec.md §4.9's 60-second tick cadence.
const DefaultTickInterval = 60 * time.Second

// DefaultHistoryKeepPerJob bounds CronRun rows retained per job.
const DefaultHistoryKeepPerJob = 200

const (
	defaultTimezone  = "UTC"
	defaultTimeoutMS = int64(300000)
)

// Manager owns the single goroutine that ticks, finds due jobs, dispatches
// runs, and forwards completions — spec.md §4.9. One Manager per process.
type Manager struct {
	store     store.CronStore
	bus       *bus.MessageBus
	executor  Executor
	clk       clock.Clock
	outbound  OutboundEnqueuer        // optional
	heartbeat HeartbeatConfigClearer  // optional

	tickInterval time.Duration
	historyKeep  int

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Manager at construction.
type Option func(*Manager)

func WithTickInterval(d time.Duration) Option        { return func(m *Manager) { m.tickInterval = d } }
func WithHistoryKeep(n int) Option                   { return func(m *Manager) { m.historyKeep = n } }
func WithClock(c clock.Clock) Option                 { return func(m *Manager) { m.clk = c } }
func WithOutboundEnqueuer(o OutboundEnqueuer) Option { return func(m *Manager) { m.outbound = o } }
func WithHeartbeatClearer(h HeartbeatConfigClearer) Option {
	return func(m *Manager) { m.heartbeat = h }
}

// NewManager constructs a Cron Manager. executor runs the agent turn for
// a due job (normally a *runsub.Submitter); msgBus carries tick/run
// lifecycle events and completion forwarding.
func NewManager(st store.CronStore, msgBus *bus.MessageBus, executor Executor, opts ...Option) *Manager {
	m := &Manager{
		store:        st,
		bus:          msgBus,
		executor:     executor,
		clk:          clock.Real{},
		tickInterval: DefaultTickInterval,
		historyKeep:  DefaultHistoryKeepPerJob,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins the tick loop. It returns once the loop goroutine has
// started; call Stop to shut it down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("cron: manager already started")
	}
	m.running = true
	m.stop = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop halts the tick loop and waits for the in-flight tick (not the runs
// it dispatched) to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick implements the step-by-step algorithm in spec.md §4.9: emit
// cron_tick, compute the due set, dispatch each due job (jittered or
// inline), and — regardless of jitter — recompute next_run_at_ms for
// every due job before the tick returns. That last step is what prevents
// a job firing twice within the same tick cycle: by the time the next
// tick runs, NextRunAtMS has already moved past "now".
func (m *Manager) tick(ctx context.Context) {
	now := m.clk.NowMS()
	m.bus.Broadcast(bus.TopicCron, bus.Event{Name: "cron_tick", Payload: map[string]any{"ts_ms": now}})

	due := m.store.ListDue(now)
	for _, job := range due {
		job := job
		if job.JitterSec > 0 {
			delay := time.Duration(1+rand.Intn(job.JitterSec*1000)) * time.Millisecond
			time.AfterFunc(delay, func() { m.dispatch(ctx, job, store.TriggeredSchedule) })
		} else {
			go m.dispatch(ctx, job, store.TriggeredSchedule)
		}
	}

	for _, job := range due {
		m.rescheduleNext(job, now)
	}
}

func (m *Manager) rescheduleNext(job store.CronJob, now int64) {
	next, err := NextRun(job.Schedule, job.Timezone, time.UnixMilli(now))
	if err != nil {
		slog.Error("cron: failed to compute next run on tick", "job_id", job.ID, "error", err)
		return
	}
	if _, err := m.store.UpdateJob(job.ID, func(j *store.CronJob) {
		j.NextRunAtMS = next.UnixMilli()
		j.LastRunAtMS = now
	}); err != nil {
		slog.Warn("cron: reschedule failed", "job_id", job.ID, "error", err)
	}
}

// dispatch runs execute in the background; the tick loop doesn't wait on
// any individual job's completion.
func (m *Manager) dispatch(ctx context.Context, job store.CronJob, triggeredBy store.TriggeredBy) {
	m.execute(ctx, job, triggeredBy)
}

// execute implements "Execute job" from spec.md §4.9: create a pending
// CronRun, persist it, mark it running, emit cron_run_started, submit to
// the router, record the terminal outcome, and forward completion to the
// base session. It blocks until the run reaches a terminal state, so
// both the tick loop (fire-and-forget via dispatch) and RunNow (which
// wants the finished run) can share one code path.
func (m *Manager) execute(ctx context.Context, job store.CronJob, triggeredBy store.TriggeredBy) store.CronRun {
	startedAt := m.clk.NowMS()
	run := store.CronRun{
		ID: clock.NewID("run"), JobID: job.ID, Status: store.RunPending, StartedAtMS: startedAt,
		TriggeredBy: triggeredBy,
		Meta:        map[string]any{"agent_id": job.AgentID, "session_key": job.SessionKey, "job_name": job.Name},
	}
	run, err := m.store.CreateRun(run)
	if err != nil {
		slog.Warn("cron: create run failed", "job_id", job.ID, "error", err)
		return run
	}

	run.Status = store.RunRunning
	if err := m.store.UpdateRun(run); err != nil {
		slog.Warn("cron: mark running failed", "run_id", run.ID, "error", err)
	}
	m.bus.Broadcast(bus.TopicCron, bus.Event{
		Name: "cron_run_started", Payload: map[string]any{"job_id": job.ID, "run_id": run.ID},
	})

	timeoutMS := job.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = defaultTimeoutMS
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	// Each run executes in a fresh cron_ sub-session forked from the job's
	// session; forwardCompletion posts the outcome to the base session.
	runKey := job.SessionKey
	if k, err := sessionkey.ParseStrict(job.SessionKey); err == nil {
		runKey = k.WithSub(sessionkey.NewSubID()).String()
	}

	result, submitErr := m.executor.Submit(runCtx, runsub.Job{
		RunID: run.ID, SessionKey: runKey, Prompt: job.Prompt, AgentID: job.AgentID,
		TimeoutMS: timeoutMS, Meta: map[string]any{"cron_job_id": job.ID},
	})

	completedAt := m.clk.NowMS()
	run.CompletedAtMS = completedAt
	run.DurationMS = completedAt - run.StartedAtMS

	switch {
	case submitErr != nil:
		run.Status = store.RunFailed
		run.Error = submitErr.Error()
	case result.TimedOut:
		run.Status = store.RunTimeout
		run.Error = result.Error
	case !result.OK:
		run.Status = store.RunFailed
		run.Error = result.Error
	default:
		run.Status = store.RunCompleted
		run.Output = result.Answer
		run.RouterRunID = result.RouterRunID
	}

	if err := m.store.UpdateRun(run); err != nil {
		slog.Warn("cron: record terminal run failed", "run_id", run.ID, "error", err)
	}
	if err := m.store.CleanupOldRuns(m.historyKeep); err != nil {
		slog.Warn("cron: cleanup old runs failed", "error", err)
	}

	m.bus.Broadcast(bus.TopicCron, bus.Event{
		Name: "cron_run_completed",
		Payload: map[string]any{
			"job_id": job.ID, "run_id": run.ID, "status": string(run.Status),
		},
	})

	m.forwardCompletion(job, run)
	return run
}

// forwardCompletion implements spec.md §4.9's completion forwarding: the
// run's output is pushed onto the base session's topic (with the sub_id
// suffix, if any, stripped) so the originating conversation sees the
// outcome even though the cron ran in a forked sub-session.
func (m *Manager) forwardCompletion(job store.CronJob, run store.CronRun) {
	// Heartbeat probes have their own outcome path (heartbeat.Manager.
	// recordOutcome/deliverAlert); forwarding them here too would double
	// notify the base session and, for alerts, the delivery channel.
	if job.IsHeartbeat() {
		return
	}
	key, err := sessionkey.ParseStrict(job.SessionKey)
	if err != nil {
		return
	}
	if key.Variant != sessionkey.VariantMain && key.Variant != sessionkey.VariantChannelPeer {
		return
	}
	baseKey := key.Base()
	baseKeyStr := baseKey.String()

	text := fmt.Sprintf(
		"Cron summary: %s\ntriggered_by: %s\nstatus: %s\ncron_run_id: %s\nrouter_run_id: %s\n\n%s",
		jobLabel(job), run.TriggeredBy, run.Status, run.ID, run.RouterRunID, summaryBody(run),
	)
	text = TruncateUTF8(text, MaxForwardBytes)

	m.bus.Broadcast(bus.SessionTopic(baseKeyStr), bus.Event{
		Name: "run_completed",
		Payload: map[string]any{
			"session_key": baseKeyStr,
			"completed":   map[string]any{"answer": text},
		},
	})

	if key.Variant == sessionkey.VariantChannelPeer && m.outbound != nil {
		if err := m.outbound.EnqueueOutbound(baseKeyStr, text, "cron_notify_"+run.ID); err != nil {
			slog.Warn("cron: outbound enqueue failed", "run_id", run.ID, "error", err)
		}
	}
}

func jobLabel(job store.CronJob) string {
	if job.Name != "" {
		return job.Name
	}
	return job.ID
}

// summaryBody extracts the forwarded body per spec.md §4.9: the substring
// from the first occurrence of SummaryMarker onward if present, else the
// trimmed output; non-success runs get a fixed "completed with status="
// message instead.
func summaryBody(run store.CronRun) string {
	if run.Status != store.RunCompleted {
		return fmt.Sprintf("Cron run completed with status=%s. %s", run.Status, run.Error)
	}
	if idx := strings.Index(run.Output, SummaryMarker); idx >= 0 {
		return run.Output[idx:]
	}
	return strings.TrimSpace(run.Output)
}

// truncateMarker is appended whenever TruncateUTF8 actually cuts text, so
// a forwarded completion never looks silently clipped.
const truncateMarker = "\n... [truncated]"

// TruncateUTF8 truncates s to at most maxBytes bytes without splitting a
// multi-byte rune, appending truncateMarker when it had to cut anything.
// When maxBytes is smaller than the marker itself, the result is the
// marker alone and is longer than maxBytes.
func TruncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	budget := maxBytes - len(truncateMarker)
	if budget < 0 {
		budget = 0
	}
	cut := budget
	for cut > 0 && !isUTF8Boundary(s, cut) {
		cut--
	}
	return s[:cut] + truncateMarker
}

func isUTF8Boundary(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}

// List returns every cron job, newest first.
func (m *Manager) List() []store.CronJob { return m.store.ListJobs() }

// Add validates and persists a new CronJob, computing its initial
// NextRunAtMS (spec.md §4.9).
func (m *Manager) Add(p AddParams) (store.CronJob, error) {
	var missing []string
	if p.Name == "" {
		missing = append(missing, "name")
	}
	if p.Schedule == "" {
		missing = append(missing, "schedule")
	}
	if p.AgentID == "" {
		missing = append(missing, "agent_id")
	}
	if p.SessionKey == "" {
		missing = append(missing, "session_key")
	}
	if p.Prompt == "" {
		missing = append(missing, "prompt")
	}
	if len(missing) > 0 {
		return store.CronJob{}, &MissingKeysError{Keys: missing}
	}

	tz := p.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	next, err := NextRun(p.Schedule, tz, m.clk.Now())
	if err != nil {
		return store.CronJob{}, &InvalidScheduleError{Reason: err.Error()}
	}

	timeoutMS := p.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = defaultTimeoutMS
	}

	job := store.CronJob{
		Name: p.Name, Schedule: p.Schedule, Enabled: true, AgentID: p.AgentID,
		SessionKey: p.SessionKey, Prompt: p.Prompt, Timezone: tz, JitterSec: p.JitterSec,
		TimeoutMS: timeoutMS, NextRunAtMS: next.UnixMilli(), Meta: p.Meta,
	}
	return m.store.CreateJob(job)
}

// Update applies a partial patch to an existing job. A schedule change
// forces recomputation of NextRunAtMS. Any attempt to set AgentID or
// SessionKey is rejected with ImmutableFieldsError before anything is
// persisted (spec.md §4.9).
func (m *Manager) Update(jobID string, p UpdateParams) (store.CronJob, error) {
	var immutable []string
	if p.AgentID != nil {
		immutable = append(immutable, "agent_id")
	}
	if p.SessionKey != nil {
		immutable = append(immutable, "session_key")
	}
	if len(immutable) > 0 {
		return store.CronJob{}, &ImmutableFieldsError{Fields: immutable}
	}

	existing, ok := m.store.GetJob(jobID)
	if !ok {
		return store.CronJob{}, ErrNotFound
	}

	scheduleChanged := p.Schedule != nil && *p.Schedule != existing.Schedule
	tzChanged := p.Timezone != nil && *p.Timezone != existing.Timezone
	if scheduleChanged || tzChanged {
		schedule := existing.Schedule
		if p.Schedule != nil {
			schedule = *p.Schedule
		}
		tz := existing.Timezone
		if p.Timezone != nil {
			tz = *p.Timezone
		}
		if _, err := NextRun(schedule, tz, m.clk.Now()); err != nil {
			return store.CronJob{}, &InvalidScheduleError{Reason: err.Error()}
		}
	}

	return m.store.UpdateJob(jobID, func(j *store.CronJob) {
		if p.Name != nil {
			j.Name = *p.Name
		}
		if p.Enabled != nil {
			j.Enabled = *p.Enabled
		}
		if p.Prompt != nil {
			j.Prompt = *p.Prompt
		}
		if p.JitterSec != nil {
			j.JitterSec = *p.JitterSec
		}
		if p.TimeoutMS != nil {
			j.TimeoutMS = *p.TimeoutMS
		}
		if p.Meta != nil {
			j.Meta = p.Meta
		}
		if scheduleChanged {
			j.Schedule = *p.Schedule
		}
		if tzChanged {
			j.Timezone = *p.Timezone
		}
		if scheduleChanged || tzChanged {
			next, _ := NextRun(j.Schedule, j.Timezone, m.clk.Now())
			j.NextRunAtMS = next.UnixMilli()
		}
	})
}

// Remove deletes a job. If it classifies as a heartbeat (store.CronJob.
// IsHeartbeat), the heartbeat config for its agent is also cleared
// (spec.md §3).
func (m *Manager) Remove(jobID string) error {
	job, ok := m.store.GetJob(jobID)
	if !ok {
		return ErrNotFound
	}
	if err := m.store.DeleteJob(jobID); err != nil {
		return err
	}
	if job.IsHeartbeat() && m.heartbeat != nil {
		if err := m.heartbeat.ClearHeartbeatConfig(job.AgentID); err != nil {
			slog.Warn("cron: clear heartbeat config failed", "agent_id", job.AgentID, "error", err)
		}
	}
	m.bus.Broadcast(bus.TopicCron, bus.Event{Name: "cron_job_deleted", Payload: map[string]any{"job_id": jobID}})
	return nil
}

// RunNow triggers job immediately with triggered_by=manual and returns the
// freshly-created run once it reaches a terminal state; the caller can
// also observe progress via the "cron" topic.
func (m *Manager) RunNow(ctx context.Context, jobID string) (store.CronRun, error) {
	job, ok := m.store.GetJob(jobID)
	if !ok {
		return store.CronRun{}, ErrNotFound
	}
	return m.execute(ctx, job, store.TriggeredManual), nil
}

// Runs returns run history for jobID, filtered/limited per opts.
func (m *Manager) Runs(jobID string, opts store.CronRunListOpts) []store.CronRun {
	return m.store.ListRuns(jobID, opts)
}
