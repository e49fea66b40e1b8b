package heartbeat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/clock"
	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/runsub"
	"github.com/nextlevelbuilder/goclaw/internal/sessionkey"
	"github.com/nextlevelbuilder/goclaw/internal/sessions"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/store/file"
)

type fakeExecutor struct {
	answer string
}

func (e *fakeExecutor) Submit(_ context.Context, job runsub.Job) (runsub.Result, error) {
	return runsub.Result{OK: true, Answer: e.answer, RouterRunID: job.RunID}, nil
}

func newTestManager(t *testing.T, executor Executor) (*Manager, store.HeartbeatStore, *cron.Manager) {
	mgr, hbStore, cronMgr, _ := newTestManagerWithSessions(t, executor)
	return mgr, hbStore, cronMgr
}

func newTestManagerWithSessions(t *testing.T, executor Executor) (*Manager, store.HeartbeatStore, *cron.Manager, store.SessionStore) {
	t.Helper()
	hbStore, err := file.NewFileHeartbeatStore(filepath.Join(t.TempDir(), "hb.json"))
	if err != nil {
		t.Fatalf("new heartbeat store: %v", err)
	}
	cronStore, err := file.NewFileCronStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatalf("new cron store: %v", err)
	}
	sessionStore := file.NewFileSessionStore(sessions.NewManager(filepath.Join(t.TempDir(), "sessions")))
	msgBus := bus.New()
	cronExecutor := &countingCronExecutor{exec: executor}
	cronMgr := cron.NewManager(cronStore, msgBus, cronExecutor, cron.WithClock(clock.NewFake(time.Now())))
	mgr := New(hbStore, cronStore, cronMgr, msgBus, executor, sessionStore)
	cronMgr.Start(context.Background())
	t.Cleanup(cronMgr.Stop)
	return mgr, hbStore, cronMgr, sessionStore
}

// countingCronExecutor adapts a heartbeat.Executor to cron.Executor so the
// cron manager driving the >=60s path reuses the same fake.
type countingCronExecutor struct {
	exec Executor
}

func (c *countingCronExecutor) Submit(ctx context.Context, job runsub.Job) (runsub.Result, error) {
	return c.exec.Submit(ctx, job)
}

func TestHeartbeatSuppressedOnExactMatch(t *testing.T) {
	mgr, hbStore, cronMgr := newTestManager(t, &fakeExecutor{answer: "  HEARTBEAT_OK\n"})

	if err := mgr.SetConfig(context.Background(), store.HeartbeatConfig{
		AgentID: "a", Enabled: true, IntervalMS: 60000, Prompt: "HB",
	}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	mgr.Start(context.Background())

	job := findHeartbeatJob(t, cronMgr, "a")
	run, err := cronMgr.RunNow(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	waitUntilHB(t, func() bool {
		last, ok := hbStore.GetLast("a")
		return ok && last.RunID == run.ID
	})

	last, _ := hbStore.GetLast("a")
	if !last.Suppressed || last.Status != "ok" {
		t.Fatalf("expected suppressed/ok, got %+v", last)
	}

	runs := cronMgr.Runs(job.ID, store.CronRunListOpts{})
	if len(runs) != 1 || !runs[0].Suppressed {
		t.Fatalf("expected the CronRun itself marked suppressed, got %+v", runs)
	}
}

func TestHeartbeatAlertOnMismatch(t *testing.T) {
	mgr, hbStore, cronMgr := newTestManager(t, &fakeExecutor{answer: "HEARTBEAT: OK"})

	if err := mgr.SetConfig(context.Background(), store.HeartbeatConfig{
		AgentID: "a", Enabled: true, IntervalMS: 60000, Prompt: "HB",
	}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	mgr.Start(context.Background())

	alerted := make(chan bus.Event, 1)
	msgBus := extractBus(mgr)
	msgBus.Subscribe(bus.TopicHeartbeat, "test-spy", func(ev bus.Event) {
		if ev.Name == "heartbeat_alert" {
			select {
			case alerted <- ev:
			default:
			}
		}
	})

	job := findHeartbeatJob(t, cronMgr, "a")
	if _, err := cronMgr.RunNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	select {
	case <-alerted:
	case <-time.After(2 * time.Second):
		t.Fatal("expected heartbeat_alert to be emitted")
	}

	last, ok := hbStore.GetLast("a")
	if !ok || last.Suppressed || last.Status != "alert" {
		t.Fatalf("expected non-suppressed alert, got %+v (ok=%v)", last, ok)
	}
}

func TestHeartbeatAlertDeliversToLastUsedChannel(t *testing.T) {
	mgr, _, cronMgr, sessionStore := newTestManagerWithSessions(t, &fakeExecutor{answer: "HEARTBEAT: OK"})

	// Simulate a prior inbound message on a real channel so LastUsedChannel
	// has something to resolve "last" against.
	key := sessionkey.NewChannelPeer("a", "telegram", "default", "dm", "peer1")
	sessionStore.GetOrCreate(key.String())

	if err := mgr.SetConfig(context.Background(), store.HeartbeatConfig{
		AgentID: "a", Enabled: true, IntervalMS: 60000, Prompt: "HB", Target: "last",
	}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	mgr.Start(context.Background())

	delivered := make(chan bus.OutboundMessage, 1)
	msgBus := extractBus(mgr)
	go func() {
		msg, ok := msgBus.SubscribeOutbound(context.Background())
		if ok {
			delivered <- msg
		}
	}()

	job := findHeartbeatJob(t, cronMgr, "a")
	if _, err := cronMgr.RunNow(context.Background(), job.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	select {
	case msg := <-delivered:
		if msg.Channel != "telegram" || msg.ChatID != "peer1" {
			t.Fatalf("expected delivery to telegram/peer1, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected heartbeat alert to be delivered to the last used channel")
	}
}

func TestHeartbeatClassificationByMeta(t *testing.T) {
	cronStore, err := file.NewFileCronStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatalf("new cron store: %v", err)
	}
	key := sessionkey.New("a")
	job, err := cronStore.CreateJob(store.CronJob{
		AgentID: "a", Name: "custom-name", Enabled: true, Schedule: "* * * * *",
		SessionKey: key.String(), Prompt: "p", Meta: map[string]any{"heartbeat": true},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if !job.IsHeartbeat() {
		t.Fatal("job with meta.heartbeat=true must classify as a heartbeat")
	}
}

func TestHeartbeatClassificationByNameSubstring(t *testing.T) {
	cronStore, err := file.NewFileCronStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatalf("new cron store: %v", err)
	}
	key := sessionkey.New("a")
	job, err := cronStore.CreateJob(store.CronJob{
		AgentID: "a", Name: "nightly Heartbeat check", Enabled: true, Schedule: "* * * * *",
		SessionKey: key.String(), Prompt: "p",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if !job.IsHeartbeat() {
		t.Fatal("job with 'heartbeat' substring in its name (any case) must classify as a heartbeat")
	}
}

func TestScheduleFromInterval(t *testing.T) {
	cases := []struct {
		intervalMS int64
		want       string
	}{
		{60000, "*/1 * * * *"},
		{150000, "*/2 * * * *"},
		{3_600_000, "0 */1 * * *"},
		{7_200_000, "0 */2 * * *"},
	}
	for _, c := range cases {
		got := scheduleFromInterval(c.intervalMS)
		if got != c.want {
			t.Errorf("scheduleFromInterval(%d) = %q, want %q", c.intervalMS, got, c.want)
		}
	}
}

func TestRemoveHeartbeatJobClearsConfig(t *testing.T) {
	mgr, hbStore, cronMgr := newTestManager(t, &fakeExecutor{answer: "HEARTBEAT_OK"})
	if err := mgr.SetConfig(context.Background(), store.HeartbeatConfig{
		AgentID: "a", Enabled: true, IntervalMS: 60000,
	}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}

	job := findHeartbeatJob(t, cronMgr, "a")
	if err := cronMgr.Remove(job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	waitUntilHB(t, func() bool {
		_, ok := hbStore.GetConfig("a")
		return !ok
	})
}

func findHeartbeatJob(t *testing.T, cronMgr *cron.Manager, agentID string) store.CronJob {
	t.Helper()
	for _, j := range cronMgr.List() {
		if j.AgentID == agentID && j.IsHeartbeat() {
			return j
		}
	}
	t.Fatalf("no heartbeat job found for agent %q", agentID)
	return store.CronJob{}
}

func extractBus(mgr *Manager) *bus.MessageBus {
	return mgr.bus
}

func waitUntilHB(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
