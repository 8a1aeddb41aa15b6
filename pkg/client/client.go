// Package client is the programmatic surface for managing report schedules
// and historical backfills stored in Redis.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/reportflow/internal/backfill"
	"github.com/muaviaUsmani/reportflow/internal/clock"
	"github.com/muaviaUsmani/reportflow/internal/dispatch"
	"github.com/muaviaUsmani/reportflow/internal/report"
	"github.com/muaviaUsmani/reportflow/internal/scheduler"
)

// Options tunes the business defaults a client applies
type Options struct {
	// DataLagDays is how far behind now backfill data becomes queryable
	DataLagDays int
	// MaxLookbackDays caps backfill windows; never above 365
	MaxLookbackDays int
	// FailureThreshold is the consecutive-failure count that pauses new schedules
	FailureThreshold int64
	// AutoPauseOnFailure is the default failure policy for new schedules
	AutoPauseOnFailure bool
	// Clock overrides the wall clock (for testing)
	Clock clock.Clock
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		DataLagDays:        14,
		MaxLookbackDays:    backfill.MaxLookbackDays,
		FailureThreshold:   5,
		AutoPauseOnFailure: true,
	}
}

// ScheduleRequest describes a new schedule. Nil policy fields take the
// client defaults.
type ScheduleRequest struct {
	ReportID           string
	CronExpression     string
	Timezone           string
	Parameters         interface{}
	AutoPauseOnFailure *bool
	FailureThreshold   *int64
}

// Client provides schedule and backfill management over Redis
type Client struct {
	redis     *redis.Client
	ownsRedis bool
	lookup    *report.RedisLookup
	schedules *scheduler.Service
	backfills *backfill.Manager
}

// NewClient connects to Redis and returns a client with default options
func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(context.Background()).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c := NewWithRedis(rc, DefaultOptions())
	c.ownsRedis = true
	return c, nil
}

// NewWithRedis builds a client over an existing Redis connection, which
// the caller keeps ownership of
func NewWithRedis(rc *redis.Client, opts Options) *Client {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	lookup := report.NewRedisLookup(rc)
	dispatcher := dispatch.NewRedisDispatcher(rc, nil, clk)

	return &Client{
		redis:  rc,
		lookup: lookup,
		schedules: scheduler.NewService(
			scheduler.NewStore(rc),
			scheduler.NewLedger(rc, clk),
			dispatcher,
			clk,
			scheduler.Defaults{
				FailureThreshold:   opts.FailureThreshold,
				AutoPauseOnFailure: opts.AutoPauseOnFailure,
			},
		),
		backfills: backfill.NewManager(backfill.NewStore(rc), lookup, dispatcher, clk, backfill.Config{
			DataLagDays:     opts.DataLagDays,
			MaxLookbackDays: opts.MaxLookbackDays,
		}),
	}
}

// PutReport stores a report definition that schedules and backfills can
// reference
func (c *Client) PutReport(ctx context.Context, def *report.Definition) error {
	return c.lookup.PutReport(ctx, def)
}

// CreateSchedule validates and stores a new schedule. Parameters are
// marshaled to JSON and must encode an object.
func (c *Client) CreateSchedule(ctx context.Context, req ScheduleRequest) (*report.Schedule, error) {
	params, err := marshalParameters(req.Parameters)
	if err != nil {
		return nil, err
	}
	return c.schedules.CreateSchedule(ctx, scheduler.CreateScheduleInput{
		ReportID:           req.ReportID,
		CronExpression:     req.CronExpression,
		Timezone:           req.Timezone,
		DefaultParameters:  params,
		AutoPauseOnFailure: req.AutoPauseOnFailure,
		FailureThreshold:   req.FailureThreshold,
	})
}

// GetSchedule returns a schedule by id
func (c *Client) GetSchedule(ctx context.Context, id string) (*report.Schedule, error) {
	return c.schedules.GetSchedule(ctx, id)
}

// ListSchedules returns every schedule, including deleted ones
func (c *Client) ListSchedules(ctx context.Context) ([]*report.Schedule, error) {
	return c.schedules.ListSchedules(ctx)
}

// PauseSchedule stops a schedule from triggering
func (c *Client) PauseSchedule(ctx context.Context, id, reason string) error {
	return c.schedules.PauseSchedule(ctx, id, reason)
}

// ResumeSchedule re-enables a paused schedule from the next future slot
func (c *Client) ResumeSchedule(ctx context.Context, id string) (*report.Schedule, error) {
	return c.schedules.ResumeSchedule(ctx, id)
}

// DeleteSchedule deactivates a schedule; its run history is kept
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.schedules.DeleteSchedule(ctx, id)
}

// ListRuns returns a schedule's runs, newest first
func (c *Client) ListRuns(ctx context.Context, scheduleID string, limit int) ([]*report.ScheduleRun, error) {
	return c.schedules.ListRuns(ctx, scheduleID, limit)
}

// GetRun returns a run by id
func (c *Client) GetRun(ctx context.Context, runID string) (*report.ScheduleRun, error) {
	return c.schedules.GetRun(ctx, runID)
}

// CancelRun cancels a pending or running run
func (c *Client) CancelRun(ctx context.Context, runID string) (*report.ScheduleRun, error) {
	return c.schedules.CancelRun(ctx, runID)
}

// CreateBackfill plans and stores a backfill collection from startDate up to
// endDate. A zero endDate means today; both are clamped by the data lag.
func (c *Client) CreateBackfill(ctx context.Context, reportID string, startDate, endDate time.Time, segmentType report.SegmentType, parameters interface{}) (*report.BackfillCollection, error) {
	params, err := marshalParameters(parameters)
	if err != nil {
		return nil, err
	}
	col, _, err := c.backfills.CreateBackfill(ctx, reportID, startDate, endDate, segmentType, params)
	return col, err
}

// GetBackfillProgress returns completed, failed and pending counts for a
// collection
func (c *Client) GetBackfillProgress(ctx context.Context, collectionID string) (*report.Progress, error) {
	return c.backfills.GetBackfillProgress(ctx, collectionID)
}

// ListSegments returns a collection's segments in date order
func (c *Client) ListSegments(ctx context.Context, collectionID string) ([]*report.Segment, error) {
	return c.backfills.ListSegments(ctx, collectionID)
}

// RetrySegment requeues one failed segment
func (c *Client) RetrySegment(ctx context.Context, segmentID string) error {
	return c.backfills.RetrySegment(ctx, segmentID)
}

// RequeueFailed requeues every failed segment of a collection
func (c *Client) RequeueFailed(ctx context.Context, collectionID string) (int, error) {
	return c.backfills.RequeueFailed(ctx, collectionID)
}

// CancelSegment cancels one segment
func (c *Client) CancelSegment(ctx context.Context, segmentID string) (*report.Segment, error) {
	return c.backfills.CancelSegment(ctx, segmentID)
}

// CancelCollection cancels a collection and its unfinished segments
func (c *Client) CancelCollection(ctx context.Context, collectionID string) (*report.Progress, error) {
	return c.backfills.CancelCollection(ctx, collectionID)
}

// Close closes the Redis connection if the client opened it
func (c *Client) Close() error {
	if c.ownsRedis && c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

func marshalParameters(v interface{}) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, report.ValidateParameters("parameters", p)
	case []byte:
		return p, report.ValidateParameters("parameters", p)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameters: %w", err)
	}
	if err := report.ValidateParameters("parameters", data); err != nil {
		return nil, err
	}
	return data, nil
}
