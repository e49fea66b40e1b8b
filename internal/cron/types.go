package cron

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/runsub"
)

// Executor abstracts the run-submission collaborator (normally an
// *runsub.Submitter wired to the real router) so the Manager's tests can
// substitute a fake without standing up a bus subscription.
type Executor interface {
	Submit(ctx context.Context, job runsub.Job) (runsub.Result, error)
}

// OutboundEnqueuer delivers a channel_peer base session's forwarded
// completion text onto the channel's outbound delivery collaborator
// (spec.md §4.9), honoring an idempotency key so a retried forward never
// double-sends.
type OutboundEnqueuer interface {
	EnqueueOutbound(sessionKey, text, idempotencyKey string) error
}

// HeartbeatConfigClearer lets Manager.Remove clear the heartbeat config
// for a job's agent when the removed job classifies as a heartbeat
// (spec.md §3 CronJob lifecycle: "a deletion of a heartbeat job also
// clears the heartbeat config for its agent").
type HeartbeatConfigClearer interface {
	ClearHeartbeatConfig(agentID string) error
}

// AddParams are the required+optional fields for Manager.Add.
type AddParams struct {
	Name       string
	Schedule   string
	AgentID    string
	SessionKey string
	Prompt     string
	Timezone   string // default "UTC"
	JitterSec  int
	TimeoutMS  int64 // default 300000
	Meta       map[string]any
}

// UpdateParams are the fields Manager.Update may patch. AgentID and
// SessionKey are intentionally present here only so the manager can
// detect and reject an attempt to set them — never applied.
type UpdateParams struct {
	Name      *string
	Schedule  *string
	Enabled   *bool
	Prompt    *string
	Timezone  *string
	JitterSec *int
	TimeoutMS *int64
	Meta      map[string]any

	AgentID    *string // immutable; presence triggers ImmutableFieldsError
	SessionKey *string // immutable; presence triggers ImmutableFieldsError
}

// MissingKeysError reports required AddParams fields left empty.
type MissingKeysError struct{ Keys []string }

func (e *MissingKeysError) Error() string {
	return fmt.Sprintf("cron: missing required fields: %s", strings.Join(e.Keys, ", "))
}

// InvalidScheduleError wraps a cron-expression parse failure.
type InvalidScheduleError struct{ Reason string }

func (e *InvalidScheduleError) Error() string { return "cron: invalid schedule: " + e.Reason }

// ImmutableFieldsError reports an Update attempt touching agent_id or
// session_key.
type ImmutableFieldsError struct{ Fields []string }

func (e *ImmutableFieldsError) Error() string {
	return fmt.Sprintf("cron: immutable fields: %s", strings.Join(e.Fields, ", "))
}

// ErrNotFound is returned by Update/Remove/RunNow for an unknown job id.
var ErrNotFound error = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "cron: job not found" }
