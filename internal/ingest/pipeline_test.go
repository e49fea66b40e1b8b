package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/dedupe"
	"github.com/nextlevelbuilder/goclaw/internal/runsub"
)

type fakeTransport struct {
	mu        sync.Mutex
	replies   []string
	aborted   []string
	queueMode map[string]runsub.QueueMode
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{queueMode: make(map[string]runsub.QueueMode)}
}

func (f *fakeTransport) Reply(_ context.Context, _ Event, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return nil
}

func (f *fakeTransport) Abort(_ context.Context, sessionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionKey)
	return nil
}

func (f *fakeTransport) SetQueueMode(sessionKey string, mode runsub.QueueMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueMode[sessionKey] = mode
}

type fakeExecutor struct {
	mu   sync.Mutex
	jobs []runsub.Job
}

func (f *fakeExecutor) Submit(_ context.Context, job runsub.Job) (runsub.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return runsub.Result{OK: true}, nil
}

func (f *fakeExecutor) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeExecutor) last() runsub.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[len(f.jobs)-1]
}

func waitUntilPipeline(t *testing.T, cond func() bool) {
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

func TestDebounceJoinsMessagesInArrivalOrder(t *testing.T) {
	transport := newFakeTransport()
	executor := &fakeExecutor{}
	p := New(transport, executor, dedupe.NewTTLTable(time.Minute), Config{DebounceMS: 50})

	ctx := context.Background()
	p.HandleEvent(ctx, Event{PeerID: "p1", ThreadID: "t1", MessageID: "m1", Text: "first", SessionKey: "agent:x:main"})
	time.Sleep(10 * time.Millisecond)
	p.HandleEvent(ctx, Event{PeerID: "p1", ThreadID: "t1", MessageID: "m2", Text: "second", SessionKey: "agent:x:main"})

	waitUntilPipeline(t, func() bool { return executor.jobCount() == 1 })

	job := executor.last()
	if job.Prompt != "first\n\nsecond" {
		t.Fatalf("expected joined prompt, got %q", job.Prompt)
	}
	if job.Meta["correlation_id"] != "m2" {
		t.Fatalf("expected correlation id from the last message, got %v", job.Meta["correlation_id"])
	}
}

func TestCommandShapedMessageBypassesDebounce(t *testing.T) {
	transport := newFakeTransport()
	executor := &fakeExecutor{}
	p := New(transport, executor, dedupe.NewTTLTable(time.Minute), Config{DebounceMS: 5000})

	p.HandleEvent(context.Background(), Event{
		PeerID: "p1", ThreadID: "t1", MessageID: "m1", Text: "/echo hi", SessionKey: "agent:x:main",
	})

	waitUntilPipeline(t, func() bool { return executor.jobCount() == 1 })
	job := executor.last()
	if job.EngineHint != "echo" || job.Prompt != "hi" {
		t.Fatalf("expected engine directive stripped, got hint=%q prompt=%q", job.EngineHint, job.Prompt)
	}
}

func TestCancelCommandAbortsWithoutSubmitting(t *testing.T) {
	transport := newFakeTransport()
	executor := &fakeExecutor{}
	p := New(transport, executor, dedupe.NewTTLTable(time.Minute), Config{})

	p.HandleEvent(context.Background(), Event{
		PeerID: "p1", ThreadID: "t1", MessageID: "m1", Text: "/cancel", SessionKey: "agent:x:main",
	})

	time.Sleep(20 * time.Millisecond)
	if executor.jobCount() != 0 {
		t.Fatalf("cancel must not submit a job, got %d", executor.jobCount())
	}
	if len(transport.aborted) != 1 || transport.aborted[0] != "agent:x:main" {
		t.Fatalf("expected abort on agent:x:main, got %v", transport.aborted)
	}
}

func TestSteerCommandSetsQueueModeWithoutSubmitting(t *testing.T) {
	transport := newFakeTransport()
	executor := &fakeExecutor{}
	p := New(transport, executor, dedupe.NewTTLTable(time.Minute), Config{})

	p.HandleEvent(context.Background(), Event{
		PeerID: "p1", ThreadID: "t1", MessageID: "m1", Text: "/steer", SessionKey: "agent:x:main",
	})

	time.Sleep(20 * time.Millisecond)
	if executor.jobCount() != 0 {
		t.Fatal("steer must not submit a job")
	}
	if transport.queueMode["agent:x:main"] != runsub.QueueSteer {
		t.Fatalf("expected steer queue mode, got %v", transport.queueMode["agent:x:main"])
	}
}

func TestDedupeDropsRepeatedMessageID(t *testing.T) {
	transport := newFakeTransport()
	executor := &fakeExecutor{}
	p := New(transport, executor, dedupe.NewTTLTable(time.Minute), Config{DebounceMS: 10})

	ev := Event{PeerID: "p1", ThreadID: "t1", MessageID: "dup", Text: "/echo hi", SessionKey: "agent:x:main"}
	p.HandleEvent(context.Background(), ev)
	p.HandleEvent(context.Background(), ev)

	waitUntilPipeline(t, func() bool { return executor.jobCount() >= 1 })
	time.Sleep(30 * time.Millisecond)
	if executor.jobCount() != 1 {
		t.Fatalf("duplicate message id must be dropped, got %d submits", executor.jobCount())
	}
}

func TestClassifyNonText(t *testing.T) {
	if got := ClassifyNonText(false, ""); got != ActionIgnore {
		t.Fatalf("no media, no text -> ignore, got %v", got)
	}
	if got := ClassifyNonText(true, ""); got != ActionPlaceholderReply {
		t.Fatalf("media, no text -> placeholder_reply, got %v", got)
	}
	if got := ClassifyNonText(true, "hello"); got != ActionRuntimeSubmit {
		t.Fatalf("any text -> runtime_submit, got %v", got)
	}
}

func TestPlaceholderReplyTruncatedTo220Bytes(t *testing.T) {
	reply := PlaceholderReply()
	if len(reply) > placeholderMaxBytes {
		t.Fatalf("placeholder reply exceeds %d bytes: %d", placeholderMaxBytes, len(reply))
	}
}

func TestResumeTokenWinsOverEngineDirective(t *testing.T) {
	transport := newFakeTransport()
	executor := &fakeExecutor{}
	p := New(transport, executor, dedupe.NewTTLTable(time.Minute), Config{})

	p.HandleEvent(context.Background(), Event{
		PeerID: "p1", ThreadID: "t1", MessageID: "m1",
		Text: "/codex resume:abc123 continue please", SessionKey: "agent:x:main",
	})

	waitUntilPipeline(t, func() bool { return executor.jobCount() == 1 })
	job := executor.last()
	if job.EngineHint != "" {
		t.Fatalf("resume token must win over the stripped engine directive, got hint=%q", job.EngineHint)
	}
	if job.Prompt == "" {
		t.Fatal("expected a non-empty resumed prompt")
	}
}

func TestRateLimitDropsOverflowEvents(t *testing.T) {
	transport := newFakeTransport()
	executor := &fakeExecutor{}
	p := New(transport, executor, dedupe.NewTTLTable(time.Minute), Config{
		RatePerSecond: 1, RateBurst: 2,
	})

	for i := 0; i < 5; i++ {
		p.HandleEvent(context.Background(), Event{
			PeerID: "p1", ThreadID: fmt.Sprintf("t%d", i), MessageID: fmt.Sprintf("m%d", i),
			Text: "/unknown-command", SessionKey: "agent:x:main",
		})
	}

	waitUntilPipeline(t, func() bool { return executor.jobCount() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := executor.jobCount(); got != 2 {
		t.Fatalf("burst of 2 should admit exactly 2 of 5 rapid events, got %d", got)
	}
}
