// Package dispatch submits report executions to the analytical execution
// engine and routes their terminal results back to the run or segment that
// requested them.
package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// OwnerKind identifies what an execution was submitted for
type OwnerKind string

const (
	// OwnerRun is a scheduled run
	OwnerRun OwnerKind = "run"
	// OwnerSegment is a backfill segment
	OwnerSegment OwnerKind = "segment"
)

// Owner points back at the entity that submitted an execution
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// Request is one query submission. The window is half-open [WindowStart, WindowEnd).
type Request struct {
	Query       string          `json:"query"`
	InstanceID  string          `json:"instance_id"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Owner       Owner           `json:"owner"`
}

// Status is the lifecycle state of an execution inside the engine
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the execution has finished
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is the terminal status the engine reports for an execution
type Result struct {
	ExecutionID  string    `json:"execution_id"`
	Owner        Owner     `json:"owner"`
	Status       Status    `json:"status"`
	RowCount     int64     `json:"row_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Cost         float64   `json:"cost"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Dispatcher submits work to the execution engine. Submit is
// fire-and-forget: it returns an execution id without waiting for the
// query to run.
type Dispatcher interface {
	Submit(ctx context.Context, req *Request) (string, error)
	// Cancel asks the engine to stop an execution. It returns false when
	// the execution had already finished.
	Cancel(ctx context.Context, executionID string) (bool, error)
}
