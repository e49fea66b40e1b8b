package runsub

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

// fakeRouter completes the run asynchronously by broadcasting a
// run_completed event on the topic it was given, after an optional delay.
// It exercises the run-id-renaming path from spec.md §4.12 step 2 when
// renamedTo is set.
type fakeRouter struct {
	msgBus    *bus.MessageBus
	renamedTo string
	answer    string
	failWith  string
	delay     time.Duration
	submitErr error
}

func (r *fakeRouter) Submit(_ context.Context, job Job) (string, error) {
	if r.submitErr != nil {
		return "", r.submitErr
	}
	runID := job.RunID
	if r.renamedTo != "" {
		runID = r.renamedTo
	}
	go func() {
		if r.delay > 0 {
			time.Sleep(r.delay)
		}
		payload := map[string]any{"ok": true, "answer": r.answer}
		name := "run_completed"
		if r.failWith != "" {
			name = "run_failed"
			payload = map[string]any{"reason": r.failWith}
		}
		r.msgBus.Broadcast(bus.RunTopic(runID), bus.Event{Name: name, Payload: payload})
	}()
	return runID, nil
}

func (r *fakeRouter) Abort(context.Context, string) error { return nil }

func TestSubmitHappyPath(t *testing.T) {
	msgBus := bus.New()
	router := &fakeRouter{msgBus: msgBus, answer: "all good"}
	s := NewSubmitter(msgBus, router)

	result, err := s.Submit(context.Background(), Job{RunID: "run_1", SessionKey: "agent:x:main", TimeoutMS: 2000})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.OK || result.Answer != "all good" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSubmitFollowsRouterRunIDRename(t *testing.T) {
	msgBus := bus.New()
	router := &fakeRouter{msgBus: msgBus, renamedTo: "renamed_run", answer: "renamed ok"}
	s := NewSubmitter(msgBus, router)

	result, err := s.Submit(context.Background(), Job{RunID: "run_orig", TimeoutMS: 2000})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.RouterRunID != "renamed_run" || result.Answer != "renamed ok" {
		t.Fatalf("expected rename to be followed, got %+v", result)
	}
}

func TestSubmitTimesOut(t *testing.T) {
	msgBus := bus.New()
	router := &fakeRouter{msgBus: msgBus, answer: "too late", delay: 500 * time.Millisecond}
	s := NewSubmitter(msgBus, router)

	result, err := s.Submit(context.Background(), Job{RunID: "run_slow", TimeoutMS: 20})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.TimedOut || result.OK {
		t.Fatalf("expected timeout, got %+v", result)
	}
}

func TestSubmitRunFailedIsNotOK(t *testing.T) {
	msgBus := bus.New()
	router := &fakeRouter{msgBus: msgBus, failWith: "engine crashed"}
	s := NewSubmitter(msgBus, router)

	result, err := s.Submit(context.Background(), Job{RunID: "run_fail", TimeoutMS: 2000})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.OK {
		t.Fatalf("run_failed must not report OK, got %+v", result)
	}
	if result.Error != "engine crashed" {
		t.Fatalf("expected reason propagated, got %q", result.Error)
	}
}

func TestSubmitRouterSubmitError(t *testing.T) {
	msgBus := bus.New()
	router := &fakeRouter{msgBus: msgBus, submitErr: errors.New("router unavailable")}
	s := NewSubmitter(msgBus, router)

	result, err := s.Submit(context.Background(), Job{RunID: "run_err"})
	if err == nil {
		t.Fatal("expected error from router submission failure")
	}
	if result.OK {
		t.Fatalf("expected failed result, got %+v", result)
	}
}

func TestSubmitTruncatesAnswerTo1000Chars(t *testing.T) {
	msgBus := bus.New()
	long := strings.Repeat("a", 5000)
	router := &fakeRouter{msgBus: msgBus, answer: long}
	s := NewSubmitter(msgBus, router)

	result, err := s.Submit(context.Background(), Job{RunID: "run_long", TimeoutMS: 2000})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len([]rune(result.Answer)) != MaxAnswerChars {
		t.Fatalf("expected answer truncated to %d chars, got %d", MaxAnswerChars, len([]rune(result.Answer)))
	}
}

type memoryRecorder struct {
	records []MemoryRecord
}

func (m *memoryRecorder) Append(_ context.Context, rec MemoryRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func TestSubmitAppendsMemoryRecordWhenConfigured(t *testing.T) {
	msgBus := bus.New()
	router := &fakeRouter{msgBus: msgBus, answer: "remembered"}
	mem := &memoryRecorder{}
	s := NewSubmitter(msgBus, router, WithMemory(mem))

	_, err := s.Submit(context.Background(), Job{RunID: "run_mem", Prompt: "hi", TimeoutMS: 2000})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(mem.records) != 1 || mem.records[0].Answer != "remembered" {
		t.Fatalf("expected one memory record with the answer, got %+v", mem.records)
	}
}

func TestSubmitDoesNotLeakSubscription(t *testing.T) {
	msgBus := bus.New()
	router := &fakeRouter{msgBus: msgBus, answer: "done"}
	s := NewSubmitter(msgBus, router)

	_, err := s.Submit(context.Background(), Job{RunID: "run_leak", TimeoutMS: 2000})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A late broadcast on the same topic should reach no subscriber since
	// Submit unsubscribes on every return path.
	received := false
	msgBus.Subscribe(bus.RunTopic("run_leak"), "spy", func(bus.Event) { received = true })
	msgBus.Broadcast(bus.RunTopic("run_leak"), bus.Event{Name: "delta"})
	if !received {
		t.Fatal("sanity: spy subscriber should have seen the broadcast")
	}
}
