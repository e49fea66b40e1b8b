// Package runsub implements the Run Submitter / Waiter (spec.md §4.12):
// the collaborator that hands a Job to the external router, subscribes to
// its run topic before submitting (so a fast completion can never race
// past an absent subscriber), and blocks the caller until a terminal
// event arrives or the job's timeout elapses.
package runsub

// QueueMode controls how a Job interacts with any run already in flight
// on the same session, per spec.md §3.
type QueueMode string

const (
	QueueCollect   QueueMode = "collect"
	QueueSteer     QueueMode = "steer"
	QueueFollowup  QueueMode = "followup"
	QueueInterrupt QueueMode = "interrupt"
)

// Job is the unit submitted to the router (spec.md §3 "Job").
type Job struct {
	RunID      string
	SessionKey string
	Prompt     string
	AgentID    string
	EngineHint string
	QueueMode  QueueMode
	Cwd        string
	ToolPolicy map[string]any
	TimeoutMS  int64
	Meta       map[string]any
}

// Result is what Submit returns once a run reaches a terminal state.
type Result struct {
	OK          bool
	Answer      string
	Error       string
	RouterRunID string
	TimedOut    bool
}

// MemoryRecord is one entry appended to a session's memory collaborator
// after a run completes, win or lose.
type MemoryRecord struct {
	SessionKey string
	RunID      string
	Prompt     string
	Answer     string
	Err        string
}
