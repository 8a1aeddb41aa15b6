// Package report holds the persisted entities of the scheduling and backfill
// subsystem along with their status enums.
package report

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a ScheduleRun
type RunStatus string

const (
	// RunStatusPending indicates the run was claimed but not yet dispatched
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates the run was submitted to the execution engine
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the execution finished successfully
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the execution or its dispatch failed
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled before completing
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// SegmentStatus represents the lifecycle state of a backfill segment
type SegmentStatus string

const (
	SegmentStatusPending   SegmentStatus = "pending"
	SegmentStatusRunning   SegmentStatus = "running"
	SegmentStatusCompleted SegmentStatus = "completed"
	SegmentStatusFailed    SegmentStatus = "failed"
	SegmentStatusCancelled SegmentStatus = "cancelled"
)

// IsTerminal reports whether the segment has resolved
func (s SegmentStatus) IsTerminal() bool {
	return s == SegmentStatusCompleted || s == SegmentStatusFailed || s == SegmentStatusCancelled
}

// CollectionStatus is the aggregate status of a backfill collection
type CollectionStatus string

const (
	// CollectionStatusPending holds while any segment is not completed
	CollectionStatusPending CollectionStatus = "pending"
	// CollectionStatusCompleted is set only when every segment completed
	CollectionStatusCompleted CollectionStatus = "completed"
	// CollectionStatusCancelled is set when an operator cancels the collection
	CollectionStatusCancelled CollectionStatus = "cancelled"
)

// SegmentType controls the fixed width of backfill segments
type SegmentType string

const (
	SegmentDaily     SegmentType = "daily"
	SegmentWeekly    SegmentType = "weekly"
	SegmentMonthly   SegmentType = "monthly"
	SegmentQuarterly SegmentType = "quarterly"
)

// StepDays returns the calendar-naive width of one segment in days.
// Unknown types return 0.
func (t SegmentType) StepDays() int {
	switch t {
	case SegmentDaily:
		return 1
	case SegmentWeekly:
		return 7
	case SegmentMonthly:
		return 30
	case SegmentQuarterly:
		return 90
	default:
		return 0
	}
}

// Schedule is one recurring report definition
type Schedule struct {
	ID             string `json:"id"`
	ReportID       string `json:"report_id"`
	CronExpression string `json:"cron_expression"`
	// Timezone is the IANA zone the cron expression is interpreted in
	Timezone          string          `json:"timezone"`
	DefaultParameters json.RawMessage `json:"default_parameters,omitempty"`

	IsActive    bool   `json:"is_active"`
	IsPaused    bool   `json:"is_paused"`
	PauseReason string `json:"pause_reason,omitempty"`

	// NextRunAt is never nil while the schedule is active and not paused
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus RunStatus  `json:"last_run_status,omitempty"`
	// LastRunNumber is the run number that produced LastRunStatus
	LastRunNumber int64 `json:"last_run_number"`

	RunCount            int64 `json:"run_count"`
	FailureCount        int64 `json:"failure_count"`
	ConsecutiveFailures int64 `json:"consecutive_failures"`
	AutoPauseOnFailure  bool  `json:"auto_pause_on_failure"`
	FailureThreshold    int64 `json:"failure_threshold"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Runnable reports whether the poller may trigger this schedule
func (s *Schedule) Runnable() bool {
	return s.IsActive && !s.IsPaused
}

// ShouldAutoPause reports whether the failure threshold has been reached
func (s *Schedule) ShouldAutoPause() bool {
	return s.AutoPauseOnFailure && s.FailureThreshold > 0 && s.ConsecutiveFailures >= s.FailureThreshold
}

// RunMetrics carries the aggregated counters reported for a run
type RunMetrics struct {
	ExecutionCount  int64   `json:"execution_count"`
	SuccessfulCount int64   `json:"successful_count"`
	FailedCount     int64   `json:"failed_count"`
	TotalRows       int64   `json:"total_rows"`
	TotalCost       float64 `json:"total_cost"`
}

// ScheduleRun is one concrete triggering of a Schedule
type ScheduleRun struct {
	ID         string `json:"id"`
	ScheduleID string `json:"schedule_id"`
	// RunNumber is unique per schedule and strictly increasing
	RunNumber   int64      `json:"run_number"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      RunStatus  `json:"status"`
	ExecutionID string     `json:"execution_id,omitempty"`
	RunMetrics
	ErrorSummary string `json:"error_summary,omitempty"`
}

// BackfillCollection is one historical-fill request
type BackfillCollection struct {
	ID           string          `json:"id"`
	ReportID     string          `json:"report_id"`
	InstanceID   string          `json:"instance_id"`
	SegmentType  SegmentType     `json:"segment_type"`
	LookbackDays int             `json:"lookback_days"`
	EndDate      time.Time       `json:"end_date"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`

	TotalSegments     int              `json:"total_segments"`
	CompletedSegments int              `json:"completed_segments"`
	FailedSegments    int              `json:"failed_segments"`
	Status            CollectionStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Segment is one half-open date range [StartDate, EndDate) within a collection
type Segment struct {
	ID           string        `json:"id"`
	CollectionID string        `json:"collection_id"`
	SegmentIndex int           `json:"segment_index"`
	StartDate    time.Time     `json:"start_date"`
	EndDate      time.Time     `json:"end_date"`
	Status       SegmentStatus `json:"status"`
	ExecutionID  string        `json:"execution_id,omitempty"`
	RowCount     int64         `json:"row_count"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Attempts     int           `json:"attempts"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Progress is the collection-level view reported to callers
type Progress struct {
	CollectionID      string           `json:"collection_id"`
	TotalSegments     int              `json:"total_segments"`
	CompletedSegments int              `json:"completed_segments"`
	FailedSegments    int              `json:"failed_segments"`
	PendingSegments   int              `json:"pending_segments"`
	RunningSegments   int              `json:"running_segments"`
	CancelledSegments int              `json:"cancelled_segments"`
	Status            CollectionStatus `json:"status"`
}

// Percent returns completion as a percentage in [0, 100]
func (p Progress) Percent() float64 {
	if p.TotalSegments == 0 {
		return 0
	}
	return float64(p.CompletedSegments) / float64(p.TotalSegments) * 100
}

// Definition is what the report store returns for a report id:
// which instance to run against and which query to run
type Definition struct {
	ReportID      string          `json:"report_id"`
	InstanceID    string          `json:"instance_id"`
	QueryTemplate string          `json:"query_template"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
}
