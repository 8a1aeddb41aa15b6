// Package scheduler triggers recurring report runs. A Poller finds due
// schedules, claims each slot through the run Ledger, dispatches the run
// and moves next_run_at forward. Any number of pollers may run at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/reportflow/internal/clock"
	"github.com/muaviaUsmani/reportflow/internal/dispatch"
	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/logger"
	"github.com/muaviaUsmani/reportflow/internal/metrics"
	"github.com/muaviaUsmani/reportflow/internal/report"
)

// stuckSweepLeaseKey keeps the stuck-run report to one poller per interval
const stuckSweepLeaseKey = keyPrefix + "lease:stuck-sweep"

// maxConcurrentSchedules bounds the goroutines one tick spawns
const maxConcurrentSchedules = 16

// PollerConfig tunes the poll loop
type PollerConfig struct {
	Interval      time.Duration
	DueBuffer     time.Duration
	BatchSize     int
	StuckRunAfter time.Duration
}

// DefaultPollerConfig returns the production defaults
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:      60 * time.Second,
		DueBuffer:     5 * time.Minute,
		BatchSize:     500,
		StuckRunAfter: 6 * time.Hour,
	}
}

// outcome is what happened to one schedule during a tick
type outcome int

const (
	outcomeClaimed outcome = iota
	outcomeDuplicate
	outcomeSkipped
	outcomePaused
	outcomeDispatchFailed
	outcomeError
)

// TickResult summarizes one poll cycle
type TickResult struct {
	Due            int
	Claimed        int
	Duplicates     int
	Skipped        int
	Paused         int
	DispatchFailed int
	Errors         int
	StuckRuns      int
}

// Poller periodically triggers due schedules
type Poller struct {
	client     *redis.Client
	store      *Store
	ledger     *Ledger
	lookup     report.Lookup
	dispatcher dispatch.Dispatcher
	clock      clock.Clock
	config     PollerConfig
	metrics    *metrics.Collector
	log        logger.Logger
}

// NewPoller creates a poller. The client is the one backing store and ledger.
func NewPoller(client *redis.Client, store *Store, ledger *Ledger, lookup report.Lookup,
	dispatcher dispatch.Dispatcher, clk clock.Clock, config PollerConfig) *Poller {
	if clk == nil {
		clk = clock.Real{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultPollerConfig().BatchSize
	}
	return &Poller{
		client:     client,
		store:      store,
		ledger:     ledger,
		lookup:     lookup,
		dispatcher: dispatcher,
		clock:      clk,
		config:     config,
		metrics:    metrics.Default(),
		log:        logger.Default().WithComponent(logger.ComponentPoller),
	}
}

// SetMetrics replaces the metrics collector (for testing)
func (p *Poller) SetMetrics(c *metrics.Collector) {
	p.metrics = c
}

// Start runs the poll loop until ctx is cancelled. The first tick happens
// immediately.
func (p *Poller) Start(ctx context.Context) {
	p.log.Info("Schedule poller started",
		"interval", p.config.Interval,
		"due_buffer", p.config.DueBuffer)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("Schedule poller stopping")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick processes every schedule due within the buffer. Errors on one
// schedule are logged and never stop the others.
func (p *Poller) Tick(ctx context.Context) TickResult {
	start := time.Now()
	now := p.clock.Now()

	var result TickResult
	defer func() {
		p.metrics.RecordTick(result.Due, time.Since(start))
	}()

	due, err := p.store.Due(ctx, now.Add(p.config.DueBuffer), p.config.BatchSize)
	if err != nil {
		p.log.Error("Failed to load due schedules", "error", err)
		result.Errors++
		return result
	}
	result.Due = len(due)

	outcomes := make([]outcome, len(due))
	sem := make(chan struct{}, maxConcurrentSchedules)
	var wg sync.WaitGroup
	for i, sched := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, sched *report.Schedule) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = p.processSafely(ctx, sched, now)
		}(i, sched)
	}
	wg.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeClaimed:
			result.Claimed++
		case outcomeDuplicate:
			result.Duplicates++
		case outcomeSkipped:
			result.Skipped++
		case outcomePaused:
			result.Paused++
		case outcomeDispatchFailed:
			result.Claimed++
			result.DispatchFailed++
		case outcomeError:
			result.Errors++
		}
	}

	result.StuckRuns = p.reportStuckRuns(ctx, now)

	if result.Due > 0 {
		p.log.Info("Poll tick complete",
			"due", result.Due,
			"claimed", result.Claimed,
			"duplicates", result.Duplicates,
			"skipped", result.Skipped,
			"paused", result.Paused,
			"dispatch_failed", result.DispatchFailed,
			"errors", result.Errors)
	}
	return result
}

func (p *Poller) processSafely(ctx context.Context, sched *report.Schedule, now time.Time) (o outcome) {
	defer func() {
		if perr := apperrors.Recover(recover()); perr != nil {
			p.log.Error("Schedule processing panicked",
				"schedule_id", sched.ID,
				"panic", apperrors.FormatPanicForLog(perr))
			o = outcomeError
		}
	}()
	return p.process(ctx, sched, now)
}

func (p *Poller) process(ctx context.Context, sched *report.Schedule, now time.Time) outcome {
	log := p.log.WithFields(map[string]interface{}{"schedule_id": sched.ID})

	if sched.ShouldAutoPause() {
		reason := fmt.Sprintf("auto-paused after %d consecutive failures", sched.ConsecutiveFailures)
		if _, err := p.store.Pause(ctx, sched.ID, reason, now); err != nil {
			log.Error("Failed to auto-pause schedule", "error", err)
			return outcomeError
		}
		p.metrics.RecordAutoPause()
		log.Warn("Schedule auto-paused", "consecutive_failures", sched.ConsecutiveFailures)
		return outcomePaused
	}

	def, err := p.lookup.GetReport(ctx, sched.ReportID)
	if err != nil {
		if errors.Is(err, apperrors.ErrFatalConfig) {
			if _, perr := p.store.Pause(ctx, sched.ID, err.Error(), now); perr != nil {
				log.Error("Failed to pause schedule with missing report", "error", perr)
				return outcomeError
			}
			p.metrics.RecordAutoPause()
			log.Error("Schedule paused: report unavailable", "report_id", sched.ReportID, "error", err)
			return outcomePaused
		}
		log.Error("Failed to look up report", "report_id", sched.ReportID, "error", err)
		return outcomeError
	}

	scheduledAt := *sched.NextRunAt
	run, err := p.ledger.RecordTrigger(ctx, sched.ID, scheduledAt)
	switch {
	case errors.Is(err, apperrors.ErrDuplicateClaim):
		p.metrics.RecordDuplicateClaim()
		log.Debug("Slot already claimed", "scheduled_at", scheduledAt)
		p.advance(ctx, sched, scheduledAt, now)
		return outcomeDuplicate
	case errors.Is(err, apperrors.ErrRunInProgress):
		p.metrics.RecordRunSkipped()
		log.Warn("Skipping slot: previous run still in progress", "scheduled_at", scheduledAt)
		p.advance(ctx, sched, scheduledAt, now)
		return outcomeSkipped
	case err != nil:
		log.Error("Failed to record trigger", "error", err)
		return outcomeError
	}

	p.metrics.RecordClaim()
	log.Info("Run claimed", "run_id", run.ID, "run_number", run.RunNumber, "scheduled_at", scheduledAt)
	p.advance(ctx, sched, scheduledAt, now)

	if err := p.dispatchRun(ctx, sched, def, run); err != nil {
		p.metrics.RecordDispatchFailure()
		log.Error("Run dispatch failed", "run_id", run.ID, "error", err)
		if _, _, ferr := p.ledger.UpdateRunStatus(ctx, run.ID, report.RunStatusFailed, RunUpdate{ErrorSummary: err.Error()}); ferr != nil {
			log.Error("Failed to record dispatch failure", "run_id", run.ID, "error", ferr)
		} else {
			p.metrics.RecordRunStatus(string(report.RunStatusFailed))
		}
		return outcomeDispatchFailed
	}
	return outcomeClaimed
}

// advance moves next_run_at to the first firing after both the slot just
// handled and the current time, so a long outage yields one run, not a
// backlog, and a slot picked up early through the due buffer is not
// selected again
func (p *Poller) advance(ctx context.Context, sched *report.Schedule, scheduledAt, now time.Time) {
	from := now
	if scheduledAt.After(from) {
		from = scheduledAt
	}
	next, err := NextRun(sched.CronExpression, sched.Timezone, from)
	if err != nil {
		p.log.Error("Cannot compute next run; pausing schedule", "schedule_id", sched.ID, "error", err)
		if _, perr := p.store.Pause(ctx, sched.ID, err.Error(), now); perr != nil {
			p.log.Error("Failed to pause schedule", "schedule_id", sched.ID, "error", perr)
		}
		return
	}
	moved, err := p.store.AdvanceNextRun(ctx, sched.ID, scheduledAt, next, now)
	if err != nil {
		p.log.Error("Failed to advance next_run_at", "schedule_id", sched.ID, "error", err)
		return
	}
	if moved {
		p.log.Debug("Next run scheduled", "schedule_id", sched.ID, "next_run_at", next)
	}
}

func (p *Poller) dispatchRun(ctx context.Context, sched *report.Schedule, def *report.Definition, run *report.ScheduleRun) error {
	width, err := period(sched.CronExpression, sched.Timezone, run.ScheduledAt)
	if err != nil {
		return &apperrors.DispatchError{Err: err}
	}
	params, err := report.MergeParameters(def.Parameters, sched.DefaultParameters)
	if err != nil {
		return &apperrors.DispatchError{Err: err}
	}

	executionID, err := p.dispatcher.Submit(ctx, &dispatch.Request{
		Query:       def.QueryTemplate,
		InstanceID:  def.InstanceID,
		WindowStart: run.ScheduledAt.Add(-width),
		WindowEnd:   run.ScheduledAt,
		Parameters:  params,
		Owner:       dispatch.Owner{Kind: dispatch.OwnerRun, ID: run.ID},
	})
	if err != nil {
		return &apperrors.DispatchError{Err: err}
	}

	if err := p.ledger.MarkRunning(ctx, run.ID, executionID); err != nil {
		// the result may already have landed; the run is tracked either way
		p.log.Warn("Failed to mark run running",
			"schedule_id", sched.ID,
			"run_id", run.ID,
			"execution_id", executionID,
			"error", err)
	}
	p.log.Info("Run dispatched",
		"schedule_id", sched.ID,
		"run_id", run.ID,
		"execution_id", executionID)
	return nil
}

// reportStuckRuns logs runs that have been running longer than the
// threshold. It only reports; it never changes a run.
func (p *Poller) reportStuckRuns(ctx context.Context, now time.Time) int {
	if p.config.StuckRunAfter <= 0 || p.client == nil {
		return 0
	}

	ttl := p.config.Interval
	if ttl <= 0 {
		ttl = time.Minute
	}
	lease, err := TryLease(ctx, p.client, stuckSweepLeaseKey, ttl)
	if err != nil {
		p.log.Warn("Failed to take stuck-run lease", "error", err)
		return 0
	}
	if lease == nil {
		return 0
	}
	// on success the lease is left to expire so other pollers skip the rest of the interval

	stuck, err := p.ledger.RunningSince(ctx, now.Add(-p.config.StuckRunAfter))
	if err != nil {
		p.log.Warn("Failed to list running runs", "error", err)
		if rerr := lease.Release(ctx); rerr != nil {
			p.log.Warn("Failed to release stuck-run lease", "error", rerr)
		}
		return 0
	}
	for _, run := range stuck {
		p.log.Warn("Run appears stuck",
			"schedule_id", run.ScheduleID,
			"run_id", run.ID,
			"run_number", run.RunNumber,
			"execution_id", run.ExecutionID,
			"started_at", run.StartedAt)
	}
	if len(stuck) > 0 {
		p.metrics.RecordStuckRuns(len(stuck))
	}
	return len(stuck)
}
