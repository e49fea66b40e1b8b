package cron

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/clock"
	"github.com/nextlevelbuilder/goclaw/internal/runsub"
	"github.com/nextlevelbuilder/goclaw/internal/sessionkey"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/store/file"
)

type countingExecutor struct {
	calls int32
}

func (e *countingExecutor) Submit(_ context.Context, job runsub.Job) (runsub.Result, error) {
	atomic.AddInt32(&e.calls, 1)
	return runsub.Result{OK: true, Answer: "done: " + job.Prompt, RouterRunID: job.RunID}, nil
}

func newTestStore(t *testing.T) store.CronStore {
	t.Helper()
	st, err := file.NewFileCronStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatalf("new cron store: %v", err)
	}
	return st
}

func TestNextRunAfterInvariant(t *testing.T) {
	after := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next, err := NextRun("*/5 * * * *", "", after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if !next.After(after) {
		t.Fatalf("NextRun must be strictly after the reference time: got %v, after %v", next, after)
	}
}

func TestDueJobFiresExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	msgBus := bus.New()
	executor := &countingExecutor{}

	fake := clock.NewFake(time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC))
	mgr := NewManager(st, msgBus, executor, WithClock(fake))

	key := sessionkey.New("agent1")
	job, err := st.CreateJob(store.CronJob{
		AgentID: "agent1", Name: "job1", Enabled: true, Schedule: "* * * * *",
		SessionKey: key.String(), Prompt: "say hi", NextRunAtMS: fake.NowMS() - 1000,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	ctx := context.Background()
	mgr.tick(ctx)
	// dispatch runs in its own goroutine; wait for the terminal run record.
	waitUntil(t, func() bool {
		runs := st.ListRuns(job.ID, store.CronRunListOpts{})
		return len(runs) == 1 && runs[0].Status.Terminal()
	})

	if atomic.LoadInt32(&executor.calls) != 1 {
		t.Fatalf("expected exactly one run, got %d", executor.calls)
	}

	got, _ := st.GetJob(job.ID)
	if got.NextRunAtMS <= fake.NowMS()-1000 {
		t.Fatalf("next run should have advanced, got %d", got.NextRunAtMS)
	}

	// A second tick at the same instant must not re-fire the job since
	// its NextRunAtMS has already moved past "now".
	mgr.tick(ctx)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&executor.calls) != 1 {
		t.Fatalf("job should not fire twice in the same tick cycle, got %d calls", executor.calls)
	}
}

func TestRunNowTriggeredManual(t *testing.T) {
	st := newTestStore(t)
	msgBus := bus.New()
	executor := &countingExecutor{}
	fake := clock.NewFake(time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC))
	mgr := NewManager(st, msgBus, executor, WithClock(fake))

	key := sessionkey.New("agent1")
	job, err := mgr.Add(AddParams{
		Name: "adhoc", Schedule: "0 0 * * *", AgentID: "agent1",
		SessionKey: key.String(), Prompt: "status check",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	run, err := mgr.RunNow(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if run.TriggeredBy != store.TriggeredManual {
		t.Fatalf("expected triggered_by=manual, got %q", run.TriggeredBy)
	}
	if run.Status != store.RunCompleted {
		t.Fatalf("expected completed run, got %q (err=%s)", run.Status, run.Error)
	}
}

func TestUpdateRejectsImmutableFields(t *testing.T) {
	st := newTestStore(t)
	msgBus := bus.New()
	mgr := NewManager(st, msgBus, &countingExecutor{})

	key := sessionkey.New("agent1")
	job, err := mgr.Add(AddParams{Name: "j", Schedule: "0 0 * * *", AgentID: "agent1", SessionKey: key.String(), Prompt: "p"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	otherAgent := "agent2"
	_, err = mgr.Update(job.ID, UpdateParams{AgentID: &otherAgent})
	if err == nil {
		t.Fatal("expected ImmutableFieldsError, got nil")
	}
	if _, ok := err.(*ImmutableFieldsError); !ok {
		t.Fatalf("expected *ImmutableFieldsError, got %T", err)
	}
}

func TestRemoveClearsHeartbeatConfig(t *testing.T) {
	st := newTestStore(t)
	msgBus := bus.New()
	cleared := make(chan string, 1)
	clearer := heartbeatClearerFunc(func(agentID string) error {
		cleared <- agentID
		return nil
	})
	mgr := NewManager(st, msgBus, &countingExecutor{}, WithHeartbeatClearer(clearer))

	key := sessionkey.New("agent9")
	job, err := mgr.Add(AddParams{
		Name: "agent9 heartbeat", Schedule: "* * * * *", AgentID: "agent9",
		SessionKey: key.String(), Prompt: "HEARTBEAT",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := mgr.Remove(job.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	select {
	case agentID := <-cleared:
		if agentID != "agent9" {
			t.Fatalf("cleared wrong agent: %q", agentID)
		}
	case <-time.After(time.Second):
		t.Fatal("heartbeat config was not cleared")
	}
}

type heartbeatClearerFunc func(agentID string) error

func (f heartbeatClearerFunc) ClearHeartbeatConfig(agentID string) error { return f(agentID) }

func TestTruncateUTF8(t *testing.T) {
	s := strings.Repeat("a", 100)
	out := TruncateUTF8(s, 10)
	if !strings.HasSuffix(out, "[truncated]") {
		t.Fatalf("expected truncation marker, got %q", out)
	}

	short := "hello"
	if TruncateUTF8(short, 10) != short {
		t.Fatalf("short strings should be unchanged")
	}

	// A multi-byte rune sitting right at the cut boundary must not be split.
	multi := strings.Repeat("a", 9) + "é" // é is 2 bytes in UTF-8
	out2 := TruncateUTF8(multi, 10)
	if !isValidUTF8Prefix(out2) {
		t.Fatalf("truncated string must not split a multi-byte rune: %q", out2)
	}

	// The truncation marker itself counts against maxBytes: the combined
	// output must never exceed the cap, per spec.md's 12,000-byte ceiling.
	for _, maxBytes := range []int{100, 1000, 12000} {
		out := TruncateUTF8(strings.Repeat("x", maxBytes*2), maxBytes)
		if len(out) > maxBytes {
			t.Fatalf("TruncateUTF8(_, %d) produced %d bytes, exceeding the cap", maxBytes, len(out))
		}
	}
}

func isValidUTF8Prefix(s string) bool {
	return utf8.ValidString(s)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
