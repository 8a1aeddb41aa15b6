package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/report"
)

// Store persists schedules in Redis. Each schedule is a hash; runnable
// schedules are also indexed in a sorted set scored by next_run_at.
// Every mutation is a single conditional script or command so concurrent
// pollers never read-modify-write in memory.
type Store struct {
	client *redis.Client
}

// NewStore creates a schedule store over an existing client
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Create writes a new schedule and indexes it if runnable
func (s *Store) Create(ctx context.Context, sched *report.Schedule) error {
	if sched.Runnable() && sched.NextRunAt == nil {
		return fmt.Errorf("schedule %s is active without next_run_at", sched.ID)
	}

	fields := map[string]interface{}{
		"id":                    sched.ID,
		"report_id":             sched.ReportID,
		"cron_expression":       sched.CronExpression,
		"timezone":              sched.Timezone,
		"default_parameters":    string(sched.DefaultParameters),
		"is_active":             formatBool(sched.IsActive),
		"is_paused":             formatBool(sched.IsPaused),
		"pause_reason":          sched.PauseReason,
		"run_seq":               0,
		"run_count":             0,
		"failure_count":         0,
		"consecutive_failures":  0,
		"last_run_number":       0,
		"active_run":            "",
		"auto_pause_on_failure": formatBool(sched.AutoPauseOnFailure),
		"failure_threshold":     sched.FailureThreshold,
		"created_at":            formatMillis(sched.CreatedAt),
		"updated_at":            formatMillis(sched.UpdatedAt),
	}
	if sched.NextRunAt != nil {
		fields["next_run_at"] = formatMillis(*sched.NextRunAt)
	}

	created, err := s.client.SAdd(ctx, allSchedulesKey, sched.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("schedule %s already exists", sched.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, scheduleKey(sched.ID), fields)
	if sched.Runnable() {
		pipe.ZAdd(ctx, dueSetKey, redis.Z{Score: float64(sched.NextRunAt.UnixMilli()), Member: sched.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.client.SRem(ctx, allSchedulesKey, sched.ID)
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// Get loads a schedule, returning ErrNotFound if it does not exist
func (s *Store) Get(ctx context.Context, id string) (*report.Schedule, error) {
	data, err := s.client.HGetAll(ctx, scheduleKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("schedule %s: %w", id, apperrors.ErrNotFound)
	}
	return decodeSchedule(data), nil
}

// Due returns runnable schedules whose next_run_at is at or before cutoff,
// earliest first
func (s *Store) Due(ctx context.Context, cutoff time.Time, limit int) ([]*report.Schedule, error) {
	ids, err := s.client.ZRangeByScore(ctx, dueSetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}

	schedules := make([]*report.Schedule, 0, len(ids))
	for _, id := range ids {
		sched, err := s.Get(ctx, id)
		if err != nil {
			// index entry without a hash; drop it so it stops showing up
			s.client.ZRem(ctx, dueSetKey, id)
			continue
		}
		if !sched.Runnable() || sched.NextRunAt == nil {
			s.client.ZRem(ctx, dueSetKey, id)
			continue
		}
		schedules = append(schedules, sched)
	}
	return schedules, nil
}

// List returns every schedule including deactivated ones
func (s *Store) List(ctx context.Context) ([]*report.Schedule, error) {
	ids, err := s.client.SMembers(ctx, allSchedulesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	schedules := make([]*report.Schedule, 0, len(ids))
	for _, id := range ids {
		sched, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		schedules = append(schedules, sched)
	}
	return schedules, nil
}

// advanceScript moves next_run_at only if it still holds the value the
// caller based its computation on
var advanceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'next_run_at')
if cur ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'next_run_at', ARGV[2], 'updated_at', ARGV[3])
if redis.call('HGET', KEYS[1], 'is_active') == '1' and redis.call('HGET', KEYS[1], 'is_paused') ~= '1' then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
end
return 1
`)

// AdvanceNextRun sets next_run_at to next if it still equals previous.
// Returns false when another poller already advanced it.
func (s *Store) AdvanceNextRun(ctx context.Context, id string, previous, next, now time.Time) (bool, error) {
	res, err := advanceScript.Run(ctx, s.client,
		[]string{scheduleKey(id), dueSetKey},
		formatMillis(previous), formatMillis(next), formatMillis(now), id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to advance schedule %s: %w", id, err)
	}
	return res == 1, nil
}

var pauseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'is_paused') == '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'is_paused', '1', 'pause_reason', ARGV[1], 'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`)

// Pause suspends a schedule and leaves next_run_at in place so a resume
// recomputes it. Returns false if it was already paused.
func (s *Store) Pause(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	res, err := pauseScript.Run(ctx, s.client,
		[]string{scheduleKey(id), dueSetKey},
		reason, formatMillis(now), id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to pause schedule %s: %w", id, err)
	}
	if res == -1 {
		return false, fmt.Errorf("schedule %s: %w", id, apperrors.ErrNotFound)
	}
	return res == 1, nil
}

var resumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'is_active') ~= '1' then
	return -2
end
redis.call('HSET', KEYS[1], 'is_paused', '0', 'pause_reason', '', 'consecutive_failures', '0',
	'next_run_at', ARGV[1], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// Resume clears the pause flag, resets the consecutive failure count and
// installs a freshly computed next_run_at
func (s *Store) Resume(ctx context.Context, id string, next, now time.Time) error {
	res, err := resumeScript.Run(ctx, s.client,
		[]string{scheduleKey(id), dueSetKey},
		formatMillis(next), formatMillis(now), id,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to resume schedule %s: %w", id, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("schedule %s: %w", id, apperrors.ErrNotFound)
	case -2:
		return fmt.Errorf("schedule %s is deleted: %w", id, apperrors.ErrInvalidTransition)
	}
	return nil
}

// Deactivate soft-deletes a schedule. The hash and run history stay.
func (s *Store) Deactivate(ctx context.Context, id string, now time.Time) error {
	exists, err := s.client.Exists(ctx, scheduleKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to deactivate schedule %s: %w", id, err)
	}
	if exists == 0 {
		return fmt.Errorf("schedule %s: %w", id, apperrors.ErrNotFound)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, scheduleKey(id), "is_active", "0", "updated_at", formatMillis(now))
	pipe.ZRem(ctx, dueSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deactivate schedule %s: %w", id, err)
	}
	return nil
}

func decodeSchedule(data map[string]string) *report.Schedule {
	sched := &report.Schedule{
		ID:                  data["id"],
		ReportID:            data["report_id"],
		CronExpression:      data["cron_expression"],
		Timezone:            data["timezone"],
		IsActive:            data["is_active"] == "1",
		IsPaused:            data["is_paused"] == "1",
		PauseReason:         data["pause_reason"],
		NextRunAt:           parseMillis(data["next_run_at"]),
		LastRunAt:           parseMillis(data["last_run_at"]),
		LastRunStatus:       report.RunStatus(data["last_run_status"]),
		LastRunNumber:       parseInt(data["last_run_number"]),
		RunCount:            parseInt(data["run_count"]),
		FailureCount:        parseInt(data["failure_count"]),
		ConsecutiveFailures: parseInt(data["consecutive_failures"]),
		AutoPauseOnFailure:  data["auto_pause_on_failure"] == "1",
		FailureThreshold:    parseInt(data["failure_threshold"]),
	}
	if p := data["default_parameters"]; p != "" {
		sched.DefaultParameters = json.RawMessage(p)
	}
	if t := parseMillis(data["created_at"]); t != nil {
		sched.CreatedAt = *t
	}
	if t := parseMillis(data["updated_at"]); t != nil {
		sched.UpdatedAt = *t
	}
	return sched
}
