// Package router defines the pluggable boundary to the external agent
// execution engine. spec.md §1 names "specifying how agent runs are
// executed" as a non-goal: the fabric only needs something that accepts
// a runsub.Job and eventually publishes a terminal event on
// bus.RunTopic(runID), not a concrete LLM/tool loop.
//
// Unconfigured is the default wired by cmd/gateway.go when no real engine
// is plugged in: it fails every run immediately with a descriptive
// error instead of leaving callers to block until runsub's timeout.
package router

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/runsub"
)

// Unconfigured implements runsub.Router (and therefore satisfies
// cron.Executor and heartbeat.Executor through runsub.Submitter) by
// rejecting every run. It exists so the gateway binary links and starts
// cleanly before a real agent engine is wired in.
type Unconfigured struct {
	Bus *bus.MessageBus
}

// Submit always fails. The run topic is already subscribed by the
// caller (runsub.Submitter subscribes before calling Submit), so the
// broadcast here is observed rather than dropped.
func (u *Unconfigured) Submit(ctx context.Context, job runsub.Job) (string, error) {
	reason := fmt.Sprintf("no agent engine configured for run %s", job.RunID)
	u.Bus.Broadcast(bus.RunTopic(job.RunID), bus.Event{
		Name:    "run_failed",
		Payload: map[string]any{"reason": reason},
	})
	return job.RunID, nil
}

// Abort is a no-op: Unconfigured never has anything in flight to cancel.
func (u *Unconfigured) Abort(ctx context.Context, runID string) error {
	return nil
}
