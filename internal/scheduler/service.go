package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/muaviaUsmani/reportflow/internal/clock"
	"github.com/muaviaUsmani/reportflow/internal/dispatch"
	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/logger"
	"github.com/muaviaUsmani/reportflow/internal/metrics"
	"github.com/muaviaUsmani/reportflow/internal/report"
)

// CreateScheduleInput describes a new schedule. Nil optional fields take
// the service defaults.
type CreateScheduleInput struct {
	ReportID           string
	CronExpression     string
	Timezone           string
	DefaultParameters  json.RawMessage
	AutoPauseOnFailure *bool
	FailureThreshold   *int64
}

// Defaults applied to schedules created without explicit failure policy
type Defaults struct {
	FailureThreshold   int64
	AutoPauseOnFailure bool
}

// Service is the schedule management surface: lifecycle operations, run
// history and the handler that applies execution results to runs.
type Service struct {
	store      *Store
	ledger     *Ledger
	dispatcher dispatch.Dispatcher
	clock      clock.Clock
	defaults   Defaults
	metrics    *metrics.Collector
	log        logger.Logger
}

// NewService creates a schedule service
func NewService(store *Store, ledger *Ledger, dispatcher dispatch.Dispatcher, clk clock.Clock, defaults Defaults) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		store:      store,
		ledger:     ledger,
		dispatcher: dispatcher,
		clock:      clk,
		defaults:   defaults,
		metrics:    metrics.Default(),
		log:        logger.Default().WithComponent(logger.ComponentLedger),
	}
}

// SetMetrics replaces the metrics collector (for testing)
func (s *Service) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

// CreateSchedule validates and stores a schedule with next_run_at set to
// its first firing after now. Nothing is written on validation failure.
func (s *Service) CreateSchedule(ctx context.Context, in CreateScheduleInput) (*report.Schedule, error) {
	if strings.TrimSpace(in.ReportID) == "" {
		return nil, apperrors.NewValidationError("report_id", "cannot be empty")
	}
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if err := report.ValidateParameters("default_parameters", in.DefaultParameters); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	next, err := NextRun(in.CronExpression, tz, now)
	if err != nil {
		return nil, err
	}

	sched := &report.Schedule{
		ID:                 uuid.New().String(),
		ReportID:           in.ReportID,
		CronExpression:     in.CronExpression,
		Timezone:           tz,
		DefaultParameters:  in.DefaultParameters,
		IsActive:           true,
		NextRunAt:          &next,
		AutoPauseOnFailure: s.defaults.AutoPauseOnFailure,
		FailureThreshold:   s.defaults.FailureThreshold,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.AutoPauseOnFailure != nil {
		sched.AutoPauseOnFailure = *in.AutoPauseOnFailure
	}
	if in.FailureThreshold != nil {
		if *in.FailureThreshold < 0 {
			return nil, apperrors.NewValidationError("failure_threshold", "cannot be negative")
		}
		sched.FailureThreshold = *in.FailureThreshold
	}

	if err := s.store.Create(ctx, sched); err != nil {
		return nil, err
	}
	s.log.Info("Schedule created",
		"schedule_id", sched.ID,
		"report_id", sched.ReportID,
		"cron_expression", sched.CronExpression,
		"timezone", sched.Timezone,
		"next_run_at", next)
	return sched, nil
}

// GetSchedule returns one schedule
func (s *Service) GetSchedule(ctx context.Context, id string) (*report.Schedule, error) {
	return s.store.Get(ctx, id)
}

// ListSchedules returns every schedule
func (s *Service) ListSchedules(ctx context.Context) ([]*report.Schedule, error) {
	return s.store.List(ctx)
}

// PauseSchedule stops a schedule from triggering. Pausing twice is a no-op.
func (s *Service) PauseSchedule(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "paused by operator"
	}
	changed, err := s.store.Pause(ctx, id, reason, s.clock.Now())
	if err != nil {
		return err
	}
	if changed {
		s.log.Info("Schedule paused", "schedule_id", id, "reason", reason)
	}
	return nil
}

// ResumeSchedule reactivates a paused schedule. next_run_at is recomputed
// from now so missed slots are not replayed.
func (s *Service) ResumeSchedule(ctx context.Context, id string) (*report.Schedule, error) {
	sched, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	next, err := NextRun(sched.CronExpression, sched.Timezone, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.Resume(ctx, id, next, now); err != nil {
		return nil, err
	}
	s.log.Info("Schedule resumed", "schedule_id", id, "next_run_at", next)
	return s.store.Get(ctx, id)
}

// DeleteSchedule deactivates a schedule. History is kept and an in-flight
// run is allowed to finish.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.store.Deactivate(ctx, id, s.clock.Now()); err != nil {
		return err
	}
	s.log.Info("Schedule deleted", "schedule_id", id)
	return nil
}

// GetRun returns one run
func (s *Service) GetRun(ctx context.Context, runID string) (*report.ScheduleRun, error) {
	return s.ledger.GetRun(ctx, runID)
}

// ListRuns returns the most recent runs of a schedule, newest first
func (s *Service) ListRuns(ctx context.Context, scheduleID string, limit int) ([]*report.ScheduleRun, error) {
	if _, err := s.store.Get(ctx, scheduleID); err != nil {
		return nil, err
	}
	return s.ledger.ListRuns(ctx, scheduleID, limit)
}

// CancelRun cancels a run. A pending run is cancelled directly, a running
// one is cancelled in the engine first, a finished one is left alone.
func (s *Service) CancelRun(ctx context.Context, runID string) (*report.ScheduleRun, error) {
	run, err := s.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	if run.Status == report.RunStatusRunning && run.ExecutionID != "" {
		cancelled, err := s.dispatcher.Cancel(ctx, run.ExecutionID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("failed to cancel execution: %w", err)
		}
		if err == nil && !cancelled {
			// already finished in the engine; its result decides the status
			return run, nil
		}
	}

	updated, changed, err := s.ledger.UpdateRunStatus(ctx, runID, report.RunStatusCancelled,
		RunUpdate{ErrorSummary: "cancelled by operator"})
	if err != nil {
		return nil, err
	}
	if changed {
		s.metrics.RecordRunStatus(string(report.RunStatusCancelled))
		s.log.Info("Run cancelled", "schedule_id", run.ScheduleID, "run_id", runID)
	}
	return updated, nil
}

// HandleRunResult applies an execution result to the run that submitted
// it. Results for unknown runs and stale executions are dropped; repeated
// deliveries are no-ops.
func (s *Service) HandleRunResult(ctx context.Context, result *dispatch.Result) error {
	run, err := s.ledger.GetRun(ctx, result.Owner.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		s.log.Warn("Result for unknown run", "run_id", result.Owner.ID, "execution_id", result.ExecutionID)
		return nil
	}
	if err != nil {
		return err
	}
	if run.ExecutionID != "" && run.ExecutionID != result.ExecutionID {
		s.log.Warn("Ignoring result from stale execution",
			"run_id", run.ID,
			"execution_id", result.ExecutionID,
			"current_execution_id", run.ExecutionID)
		return nil
	}

	update := RunUpdate{
		ExecutionID: result.ExecutionID,
		Metrics: &report.RunMetrics{
			ExecutionCount: 1,
			TotalRows:      result.RowCount,
			TotalCost:      result.Cost,
		},
		ErrorSummary: result.ErrorMessage,
	}
	var status report.RunStatus
	switch result.Status {
	case dispatch.StatusCompleted:
		status = report.RunStatusCompleted
		update.Metrics.SuccessfulCount = 1
	case dispatch.StatusFailed:
		status = report.RunStatusFailed
		update.Metrics.FailedCount = 1
	case dispatch.StatusCancelled:
		status = report.RunStatusCancelled
	default:
		return fmt.Errorf("execution %s reported non-terminal status %s", result.ExecutionID, result.Status)
	}

	_, changed, err := s.ledger.UpdateRunStatus(ctx, run.ID, status, update)
	if err != nil {
		return err
	}
	if changed {
		s.metrics.RecordRunStatus(string(status))
		s.log.Info("Run finished",
			"schedule_id", run.ScheduleID,
			"run_id", run.ID,
			"run_number", run.RunNumber,
			"status", status,
			"rows", result.RowCount)
	}
	return nil
}
