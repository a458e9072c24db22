package journal

import (
	"time"
)

// RunStatus represents the status of a recorded run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// CommandStatus represents how a command ended
type CommandStatus string

const (
	CommandStatusSucceeded CommandStatus = "succeeded"
	CommandStatusFailed    CommandStatus = "failed"
)

// Run represents one task run
type Run struct {
	ID          string     `json:"id"`
	Task        string     `json:"task"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Command represents one executed external tool. Args are redacted.
type Command struct {
	ID         int64         `json:"id"`
	RunID      string        `json:"run_id"`
	Tool       string        `json:"tool"`
	Args       []string      `json:"args"`
	Status     CommandStatus `json:"status"`
	ExitCode   int           `json:"exit_code"` // -1 when the process never completed
	ErrorKind  *string       `json:"error_kind,omitempty"`
	Error      *string       `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Poll represents one readiness poll loop
type Poll struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	URL        string    `json:"url"`
	Ready      bool      `json:"ready"`
	Attempts   int       `json:"attempts"`
	DurationMS int64     `json:"duration_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Connection represents one opened endpoint connection
type Connection struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	Endpoint     string     `json:"endpoint"`
	Kind         string     `json:"kind"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	CleanupError *string    `json:"cleanup_error,omitempty"`
}

// Event is the stored copy of a telemetry event
type Event struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	RunID     *string   `json:"run_id,omitempty"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Subject   string    `json:"subject"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// EventQuery filters ListEvents. Nil fields match everything.
type EventQuery struct {
	RunID  *string
	Type   *string
	Level  *string
	Limit  int
	Offset int
}

// RunSummary is a run together with everything recorded under it.
type RunSummary struct {
	Run         *Run          `json:"run"`
	Commands    []*Command    `json:"commands"`
	Polls       []*Poll       `json:"polls"`
	Connections []*Connection `json:"connections"`
}
