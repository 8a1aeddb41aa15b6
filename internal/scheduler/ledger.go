package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/reportflow/internal/clock"
	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/report"
)

// Ledger records schedule runs. RecordTrigger is the only place a run is
// created and it is the synchronization point between concurrent pollers.
type Ledger struct {
	client *redis.Client
	clock  clock.Clock
}

// NewLedger creates a run ledger
func NewLedger(client *redis.Client, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{client: client, clock: clk}
}

// claimScript atomically claims the slot scheduled_at of a schedule as run
// number n. The SETNX on the (schedule_id, run_number) key is the
// uniqueness constraint; the other checks reject stale pollers early.
//
// KEYS: schedule hash, runs zset, run-number key, run hash
// ARGV: scheduled_at, run_number, run_id, now, schedule_id
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -3
end
local s = redis.call('HMGET', KEYS[1], 'is_active', 'is_paused', 'next_run_at', 'last_claimed_slot', 'run_seq', 'active_run')
if s[1] ~= '1' or s[2] == '1' then
	return -2
end
if s[3] ~= ARGV[1] or s[4] == ARGV[1] then
	return 0
end
if tonumber(s[5] or '0') >= tonumber(ARGV[2]) then
	return 0
end
if s[6] and s[6] ~= '' then
	return -1
end
if redis.call('SET', KEYS[3], ARGV[3], 'NX') == false then
	return 0
end
redis.call('HSET', KEYS[4], 'id', ARGV[3], 'schedule_id', ARGV[5], 'run_number', ARGV[2],
	'scheduled_at', ARGV[1], 'status', 'pending', 'created_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[1], 'run_seq', ARGV[2], 'active_run', ARGV[3], 'last_claimed_slot', ARGV[1],
	'last_run_number', ARGV[2], 'last_run_status', 'pending', 'last_run_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('HINCRBY', KEYS[1], 'run_count', 1)
return 1
`)

// RecordTrigger claims the slot scheduledAt for a schedule and creates a
// pending run with the next run number. Exactly one of any number of
// concurrent callers for the same slot succeeds; the others get
// ErrDuplicateClaim. ErrRunInProgress is returned when an earlier run has
// not resolved yet.
func (l *Ledger) RecordTrigger(ctx context.Context, scheduleID string, scheduledAt time.Time) (*report.ScheduleRun, error) {
	seq, err := l.client.HGet(ctx, scheduleKey(scheduleID), "run_seq").Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("schedule %s: %w", scheduleID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run sequence: %w", err)
	}

	runNumber := parseInt(seq) + 1
	runID := uuid.New().String()
	now := l.clock.Now()

	res, err := claimScript.Run(ctx, l.client,
		[]string{scheduleKey(scheduleID), scheduleRunsKey(scheduleID), runNumberKey(scheduleID, runNumber), runKey(runID)},
		formatMillis(scheduledAt), runNumber, runID, formatMillis(now), scheduleID,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to claim schedule %s: %w", scheduleID, err)
	}

	switch res {
	case 1:
		return &report.ScheduleRun{
			ID:          runID,
			ScheduleID:  scheduleID,
			RunNumber:   runNumber,
			ScheduledAt: scheduledAt.UTC().Truncate(time.Millisecond),
			Status:      report.RunStatusPending,
		}, nil
	case -1:
		return nil, apperrors.ErrRunInProgress
	case -3:
		return nil, fmt.Errorf("schedule %s: %w", scheduleID, apperrors.ErrNotFound)
	default:
		return nil, apperrors.ErrDuplicateClaim
	}
}

// foldOutcome records a terminal run on its schedule hash. Counters move
// once per run; last_run_* only moves forward in run_number. Cancellation
// neither counts as a failure nor resets the failure streak.
const foldOutcome = `
local function fold(sched, run_id, run_number, status, at, now)
	if redis.call('HGET', sched, 'active_run') == run_id then
		redis.call('HSET', sched, 'active_run', '')
	end
	if status == 'failed' then
		redis.call('HINCRBY', sched, 'failure_count', 1)
	end
	local last = tonumber(redis.call('HGET', sched, 'last_run_number') or '0')
	if tonumber(run_number) < last then
		return
	end
	redis.call('HSET', sched, 'last_run_number', run_number, 'last_run_status', status,
		'last_run_at', at, 'updated_at', now)
	if status == 'failed' then
		redis.call('HINCRBY', sched, 'consecutive_failures', 1)
	elseif status == 'completed' then
		redis.call('HSET', sched, 'consecutive_failures', '0')
	end
end
`

// transitionScript moves a run to a new status. Terminal runs never change
// and running is only reachable from pending. Reaching a terminal status
// folds the outcome into the schedule in the same script. A terminal run
// its schedule still points at is folded on the next delivery and
// returns 2.
//
// KEYS: run hash, active runs zset, schedule hash
// ARGV: status, now, run_id, then field/value pairs
var transitionScript = redis.NewScript(foldOutcome + `
local terminal = {completed = true, failed = true, cancelled = true}
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return -1
end
local has_sched = redis.call('EXISTS', KEYS[3]) == 1
if terminal[cur] then
	if has_sched and redis.call('HGET', KEYS[3], 'active_run') == ARGV[3] then
		local at = redis.call('HGET', KEYS[1], 'completed_at') or ARGV[2]
		fold(KEYS[3], ARGV[3], redis.call('HGET', KEYS[1], 'run_number'), cur, at, ARGV[2])
		return 2
	end
	return 0
end
local status = ARGV[1]
if status == 'pending' or (status == 'running' and cur ~= 'pending') then
	return -2
end
redis.call('HSET', KEYS[1], 'status', status, 'updated_at', ARGV[2])
if status == 'running' then
	redis.call('HSET', KEYS[1], 'started_at', ARGV[2])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
else
	redis.call('HSET', KEYS[1], 'completed_at', ARGV[2])
	redis.call('ZREM', KEYS[2], ARGV[3])
end
for i = 4, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if terminal[status] and has_sched then
	fold(KEYS[3], ARGV[3], redis.call('HGET', KEYS[1], 'run_number'), status, ARGV[2], ARGV[2])
end
return 1
`)

// RunUpdate carries the optional fields written alongside a status change
type RunUpdate struct {
	ExecutionID  string
	Metrics      *report.RunMetrics
	ErrorSummary string
}

// UpdateRunStatus transitions a run and returns the stored run afterwards.
// A terminal transition also settles the run on its schedule: the active
// run slot is released and the outcome counters move. changed is false when
// the run was already terminal, which makes repeated result deliveries
// harmless. A failed run always carries an error summary.
func (l *Ledger) UpdateRunStatus(ctx context.Context, runID string, status report.RunStatus, update RunUpdate) (run *report.ScheduleRun, changed bool, err error) {
	args := []interface{}{string(status), formatMillis(l.clock.Now()), runID}
	if update.ExecutionID != "" {
		args = append(args, "execution_id", update.ExecutionID)
	}
	if m := update.Metrics; m != nil {
		args = append(args,
			"execution_count", m.ExecutionCount,
			"successful_count", m.SuccessfulCount,
			"failed_count", m.FailedCount,
			"total_rows", m.TotalRows,
			"total_cost", strconv.FormatFloat(m.TotalCost, 'f', -1, 64),
		)
	}
	summary := update.ErrorSummary
	if status == report.RunStatusFailed && summary == "" {
		summary = "run failed without an error message"
	}
	if summary != "" {
		args = append(args, "error_summary", summary)
	}

	scheduleID, err := l.client.HGet(ctx, runKey(runID), "schedule_id").Result()
	if err == redis.Nil {
		return nil, false, fmt.Errorf("run %s: %w", runID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	res, err := transitionScript.Run(ctx, l.client,
		[]string{runKey(runID), activeRunsKey, scheduleKey(scheduleID)}, args...).Int()
	if err != nil {
		return nil, false, fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	switch res {
	case -1:
		return nil, false, fmt.Errorf("run %s: %w", runID, apperrors.ErrNotFound)
	case -2:
		return nil, false, fmt.Errorf("run %s to %s: %w", runID, status, apperrors.ErrInvalidTransition)
	}

	run, err = l.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	return run, res == 1, nil
}

// MarkRunning records a successful submission to the execution engine
func (l *Ledger) MarkRunning(ctx context.Context, runID, executionID string) error {
	_, _, err := l.UpdateRunStatus(ctx, runID, report.RunStatusRunning, RunUpdate{ExecutionID: executionID})
	return err
}

// GetRun loads one run
func (l *Ledger) GetRun(ctx context.Context, runID string) (*report.ScheduleRun, error) {
	data, err := l.client.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, apperrors.ErrNotFound)
	}
	return decodeRun(data), nil
}

// ListRuns returns up to limit runs of a schedule, newest first
func (l *Ledger) ListRuns(ctx context.Context, scheduleID string, limit int) ([]*report.ScheduleRun, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := l.client.ZRevRange(ctx, scheduleRunsKey(scheduleID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return l.loadRuns(ctx, ids)
}

// RunningSince returns runs that entered running at or before cutoff
func (l *Ledger) RunningSince(ctx context.Context, cutoff time.Time) ([]*report.ScheduleRun, error) {
	ids, err := l.client.ZRangeByScore(ctx, activeRunsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatMillis(cutoff),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list running runs: %w", err)
	}
	return l.loadRuns(ctx, ids)
}

func (l *Ledger) loadRuns(ctx context.Context, ids []string) ([]*report.ScheduleRun, error) {
	runs := make([]*report.ScheduleRun, 0, len(ids))
	for _, id := range ids {
		run, err := l.GetRun(ctx, id)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func decodeRun(data map[string]string) *report.ScheduleRun {
	run := &report.ScheduleRun{
		ID:          data["id"],
		ScheduleID:  data["schedule_id"],
		RunNumber:   parseInt(data["run_number"]),
		StartedAt:   parseMillis(data["started_at"]),
		CompletedAt: parseMillis(data["completed_at"]),
		Status:      report.RunStatus(data["status"]),
		ExecutionID: data["execution_id"],
		RunMetrics: report.RunMetrics{
			ExecutionCount:  parseInt(data["execution_count"]),
			SuccessfulCount: parseInt(data["successful_count"]),
			FailedCount:     parseInt(data["failed_count"]),
			TotalRows:       parseInt(data["total_rows"]),
			TotalCost:       parseFloat(data["total_cost"]),
		},
		ErrorSummary: data["error_summary"],
	}
	if t := parseMillis(data["scheduled_at"]); t != nil {
		run.ScheduledAt = *t
	}
	return run
}
