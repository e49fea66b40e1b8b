// Package heartbeat implements the Heartbeat Manager (spec.md §4.10): a
// periodic "are you still there" probe per agent, scheduled either as a
// cron job (interval >= 60s) or an in-process timer loop (below that),
// with strict HEARTBEAT_OK suppression of routine acknowledgements.
//
// Grounded on the teacher's config.HeartbeatConfig (Every/Target/To/
// AckMaxChars) and sessions.Manager.LastUsedChannel for target="last"
// delivery resolution, generalized to the store-backed
// store.HeartbeatConfig/HeartbeatLast shape.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/clock"
	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/runsub"
	"github.com/nextlevelbuilder/goclaw/internal/sessionkey"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// SuppressedResponse is the exact (post-trim) text that marks a heartbeat
// run routine, per spec.md §4.10.
const SuppressedResponse = "HEARTBEAT_OK"

// timerThresholdMS is the boundary below which heartbeats are scheduled
// with an in-process timer instead of a cron job (spec.md §4.10).
const timerThresholdMS = 60_000

// DefaultPrompt is used when a HeartbeatConfig carries no explicit prompt.
const DefaultPrompt = "HEARTBEAT"

func heartbeatJobName(agentID string) string { return "heartbeat-" + agentID }

// heartbeatSessionKey isolates an agent's probe history from its real
// conversations under a dedicated sub-session, so heartbeat prompts never
// pollute chat.history and forwardCompletion's job.IsHeartbeat() check
// short-circuits before this key is ever parsed for forwarding.
func heartbeatSessionKey(agentID string) string {
	return sessionkey.New(agentID).WithSub("heartbeat").String()
}

// Executor is the collaborator a timer-scheduled heartbeat submits
// directly to (the same shape runsub.Submitter and cron.Manager share).
type Executor interface {
	Submit(ctx context.Context, job runsub.Job) (runsub.Result, error)
}

// Manager owns heartbeat configuration, scheduling, and suppression.
type Manager struct {
	store     store.HeartbeatStore
	cronStore store.CronStore
	cronMgr   *cron.Manager
	bus       *bus.MessageBus
	executor  Executor
	sessions  store.SessionStore // optional; enables target="last" alert delivery
	clk       clock.Clock

	mu     sync.Mutex
	timers map[string]*timerHandle // agentID -> running timer loop
}

type timerHandle struct {
	cancel chan struct{}
}

// New constructs a Manager. cronMgr schedules the >=60s path; executor is
// used directly for the <60s timer-loop path. sessions resolves
// target="last" alert delivery via LastUsedChannel; a nil sessions store
// disables delivery and alerts stay bus-only (control-plane clients still
// see heartbeat_alert events).
func New(st store.HeartbeatStore, cronStore store.CronStore, cronMgr *cron.Manager, msgBus *bus.MessageBus, executor Executor, sessions store.SessionStore) *Manager {
	return &Manager{
		store: st, cronStore: cronStore, cronMgr: cronMgr, bus: msgBus, executor: executor, sessions: sessions,
		clk: clock.Real{}, timers: make(map[string]*timerHandle),
	}
}

// Start subscribes to cron run completions and rehydrates every enabled
// heartbeat's job/timer, per spec.md §4.10 "Restart".
func (m *Manager) Start(ctx context.Context) {
	m.bus.Subscribe(bus.TopicCron, "heartbeat-manager", func(ev bus.Event) {
		if ev.Name != "cron_run_completed" {
			return
		}
		m.onCronRunCompleted(ctx, ev)
	})

	for _, cfg := range m.store.ListConfigs() {
		if !cfg.Enabled {
			continue
		}
		if err := m.schedule(ctx, cfg); err != nil {
			slog.Warn("heartbeat: rehydrate failed", "agent_id", cfg.AgentID, "error", err)
		}
	}
}

// SetConfig persists cfg and (re)schedules the agent's heartbeat,
// canceling whatever scheduling was previously in effect, per spec.md
// §4.10 "update_config".
func (m *Manager) SetConfig(ctx context.Context, cfg store.HeartbeatConfig) error {
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if err := m.store.SetConfig(cfg); err != nil {
		return fmt.Errorf("heartbeat: persist config: %w", err)
	}

	m.cancelTimer(cfg.AgentID)
	m.removeJob(cfg.AgentID)

	if !cfg.Enabled {
		return nil
	}
	return m.schedule(ctx, cfg)
}

// ClearHeartbeatConfig implements cron.HeartbeatConfigClearer: called by
// the Cron Manager when a heartbeat-classified job is deleted directly.
func (m *Manager) ClearHeartbeatConfig(agentID string) error {
	m.cancelTimer(agentID)
	return m.store.DeleteConfig(agentID)
}

func (m *Manager) schedule(ctx context.Context, cfg store.HeartbeatConfig) error {
	interval := cfg.IntervalMS
	if interval <= 0 {
		interval = timerThresholdMS
	}
	if interval >= timerThresholdMS {
		return m.scheduleCronJob(cfg, interval)
	}
	m.scheduleTimer(ctx, cfg, interval)
	return nil
}

// scheduleCronJob creates or updates the agent's heartbeat cron job,
// deriving a schedule expression from interval per spec.md §4.10: hours
// if >= 1 hour, else minutes, rounded to the nearest minute with an exact
// half rounding down (minimum 1).
func (m *Manager) scheduleCronJob(cfg store.HeartbeatConfig, intervalMS int64) error {
	schedule := scheduleFromInterval(intervalMS)
	name := heartbeatJobName(cfg.AgentID)
	sessionKey := heartbeatSessionKey(cfg.AgentID)
	meta := map[string]any{"heartbeat": true, "agent_id": cfg.AgentID, "interval_ms": intervalMS}

	if existing := m.findJob(cfg.AgentID); existing != nil {
		enabled := true
		prompt := cfg.Prompt
		_, err := m.cronMgr.Update(existing.ID, cron.UpdateParams{
			Schedule: &schedule, Enabled: &enabled, Prompt: &prompt, Meta: meta,
		})
		return err
	}

	_, err := m.cronMgr.Add(cron.AddParams{
		Name: name, Schedule: schedule, AgentID: cfg.AgentID, SessionKey: sessionKey,
		Prompt: cfg.Prompt, Timezone: "UTC", TimeoutMS: 30_000, Meta: meta,
	})
	return err
}

// scheduleFromInterval implements spec.md §4.10's rounding rule.
func scheduleFromInterval(intervalMS int64) string {
	if intervalMS >= 3_600_000 {
		hours := intervalMS / 3_600_000
		if hours < 1 {
			hours = 1
		}
		return fmt.Sprintf("0 */%d * * *", hours)
	}
	minutes := (intervalMS + 29_999) / 60_000
	if minutes >= 60 {
		return "0 */1 * * *"
	}
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("*/%d * * * *", minutes)
}

func (m *Manager) findJob(agentID string) *store.CronJob {
	name := heartbeatJobName(agentID)
	for _, j := range m.cronMgr.List() {
		if j.AgentID == agentID && j.Name == name {
			job := j
			return &job
		}
	}
	return nil
}

func (m *Manager) removeJob(agentID string) {
	if job := m.findJob(agentID); job != nil {
		if err := m.cronMgr.Remove(job.ID); err != nil {
			slog.Warn("heartbeat: remove stale job failed", "agent_id", agentID, "error", err)
		}
	}
}

// scheduleTimer runs the spec.md §4.10 "< 60000ms" loop: send_after(interval),
// submitting directly to the router via the shared heartbeat session key.
// Cancel any prior timer on reconfigure.
func (m *Manager) scheduleTimer(ctx context.Context, cfg store.HeartbeatConfig, intervalMS int64) {
	h := &timerHandle{cancel: make(chan struct{})}

	m.mu.Lock()
	m.timers[cfg.AgentID] = h
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-h.cancel:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx, cfg)
			}
		}
	}()
}

func (m *Manager) cancelTimer(agentID string) {
	m.mu.Lock()
	h := m.timers[agentID]
	delete(m.timers, agentID)
	m.mu.Unlock()
	if h != nil {
		close(h.cancel)
	}
}

// probe submits one timer-path heartbeat directly to the executor and
// records its outcome the same way a cron-dispatched heartbeat would.
func (m *Manager) probe(ctx context.Context, cfg store.HeartbeatConfig) {
	runID := clock.NewID("run")
	result, err := m.executor.Submit(ctx, runsub.Job{
		RunID: runID, SessionKey: heartbeatSessionKey(cfg.AgentID), Prompt: cfg.Prompt,
		AgentID: cfg.AgentID, TimeoutMS: 30_000,
	})

	response := result.Answer
	if err != nil {
		response = err.Error()
	}
	m.recordOutcome(cfg.AgentID, runID, "", response)
}

// onCronRunCompleted handles the >=60s cron-scheduled path: it only acts
// on runs belonging to a job that classifies as a heartbeat.
func (m *Manager) onCronRunCompleted(ctx context.Context, ev bus.Event) {
	payload, _ := ev.Payload.(map[string]any)
	if payload == nil {
		return
	}
	jobID, _ := payload["job_id"].(string)
	runID, _ := payload["run_id"].(string)
	if jobID == "" || runID == "" {
		return
	}

	job, ok := m.cronStore.GetJob(jobID)
	if !ok || !job.IsHeartbeat() {
		return
	}
	run, ok := m.cronStore.GetRun(runID)
	if !ok {
		return
	}

	response := run.Output
	if run.Status != store.RunCompleted {
		response = run.Error
	}
	suppressed := m.recordOutcome(job.AgentID, runID, jobID, response)
	if suppressed {
		run.Suppressed = true
		if err := m.cronStore.UpdateRun(run); err != nil {
			slog.Warn("heartbeat: mark run suppressed failed", "run_id", run.ID, "error", err)
		}
	}
}

// recordOutcome implements spec.md §4.10 "On run completion": persist
// heartbeat_last, then suppress (exact match) or alert. It returns
// whether the response was suppressed.
func (m *Manager) recordOutcome(agentID, runID, jobID, response string) bool {
	suppressed := strings.TrimSpace(response) == SuppressedResponse
	status := "alert"
	if suppressed {
		status = "ok"
	}

	last := store.HeartbeatLast{
		AgentID: agentID, TimestampMS: m.clk.NowMS(), Status: status,
		Response: response, Suppressed: suppressed, RunID: runID, JobID: jobID,
	}
	if err := m.store.SetLast(last); err != nil {
		slog.Warn("heartbeat: persist last failed", "agent_id", agentID, "error", err)
	}

	if suppressed {
		m.bus.Broadcast(bus.TopicHeartbeat, bus.Event{
			Name: "heartbeat_suppressed", Payload: map[string]any{"agent_id": agentID, "run_id": runID},
		})
		return true
	}
	m.bus.Broadcast(bus.TopicHeartbeat, bus.Event{
		Name: "heartbeat_alert",
		Payload: map[string]any{
			"agent_id": agentID, "run_id": runID, "response": response, "severity": "warning",
		},
	})
	m.deliverAlert(agentID, response)
	return false
}

// deliverAlert sends a non-suppressed heartbeat response out to the
// agent's configured delivery target, per spec.md §4.10's "On run
// completion" alert path. target="last" (the default) resolves the
// agent's most recently active channel/chat via SessionStore; an
// explicit target+to pair addresses a fixed channel instead. Delivery is
// best-effort — a missing sessions store or unresolved target just skips
// it, since the bus broadcast above already notified control-plane
// clients.
func (m *Manager) deliverAlert(agentID, response string) {
	cfg, ok := m.store.GetConfig(agentID)
	if !ok {
		return
	}

	channel, chatID := cfg.Target, cfg.To
	if channel == "" || channel == "last" {
		if m.sessions == nil {
			return
		}
		var lastChatID string
		channel, lastChatID = m.sessions.LastUsedChannel(agentID)
		if channel == "" || lastChatID == "" {
			return
		}
		chatID = lastChatID
	}
	if chatID == "" {
		return
	}

	m.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: "Heartbeat alert for " + agentID + ":\n" + response,
	})
}

// Wake triggers an immediate probe outside the normal schedule
// (the "wake" control-plane method, spec.md §6), reusing whichever
// scheduling mode is configured for the agent.
func (m *Manager) Wake(ctx context.Context, agentID string) error {
	cfg, ok := m.store.GetConfig(agentID)
	if !ok {
		return fmt.Errorf("heartbeat: no config for agent %q", agentID)
	}
	if cfg.IntervalMS >= timerThresholdMS {
		if job := m.findJob(agentID); job != nil {
			_, err := m.cronMgr.RunNow(ctx, job.ID)
			return err
		}
	}
	m.probe(ctx, cfg)
	return nil
}

// Last returns the most recent probe outcome for agentID.
func (m *Manager) Last(agentID string) (store.HeartbeatLast, bool) {
	return m.store.GetLast(agentID)
}
