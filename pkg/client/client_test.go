package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/reportflow/internal/clock"
	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/report"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rc.Close()
		mr.Close()
	})

	opts := DefaultOptions()
	opts.Clock = clock.NewFake(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	c := NewWithRedis(rc, opts)

	err = c.PutReport(context.Background(), &report.Definition{
		ReportID:      "daily-revenue",
		InstanceID:    "warehouse-1",
		QueryTemplate: "SELECT sum(amount) FROM orders",
		Parameters:    json.RawMessage(`{"currency":"usd"}`),
	})
	if err != nil {
		t.Fatalf("failed to store report: %v", err)
	}
	return c
}

func TestNewClient_InvalidURL(t *testing.T) {
	if _, err := NewClient("://not-a-url"); err == nil {
		t.Error("expected an error for an invalid URL")
	}
}

func TestClient_ScheduleLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	sched, err := c.CreateSchedule(ctx, ScheduleRequest{
		ReportID:       "daily-revenue",
		CronExpression: "0 2 * * *",
		Parameters:     map[string]string{"region": "eu"},
	})
	if err != nil {
		t.Fatalf("create schedule failed: %v", err)
	}
	if sched.Timezone != "UTC" || sched.NextRunAt == nil {
		t.Errorf("unexpected schedule %+v", sched)
	}
	if !sched.NextRunAt.Equal(time.Date(2025, 6, 16, 2, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected next run %v", sched.NextRunAt)
	}

	if err := c.PauseSchedule(ctx, sched.ID, "maintenance"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	got, _ := c.GetSchedule(ctx, sched.ID)
	if !got.IsPaused || got.PauseReason != "maintenance" {
		t.Errorf("expected paused schedule, got %+v", got)
	}

	got, err = c.ResumeSchedule(ctx, sched.ID)
	if err != nil || got.IsPaused {
		t.Fatalf("resume failed: %+v (%v)", got, err)
	}

	runs, err := c.ListRuns(ctx, sched.ID, 10)
	if err != nil || len(runs) != 0 {
		t.Errorf("expected no runs, got %d (%v)", len(runs), err)
	}

	if err := c.DeleteSchedule(ctx, sched.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	got, _ = c.GetSchedule(ctx, sched.ID)
	if got.IsActive {
		t.Error("deleted schedule should be inactive")
	}
}

func TestClient_CreateScheduleRejectsBadInput(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreateSchedule(ctx, ScheduleRequest{ReportID: "daily-revenue", CronExpression: "not cron"})
	if !apperrors.IsValidation(err) {
		t.Errorf("bad cron: expected validation error, got %v", err)
	}
	_, err = c.CreateSchedule(ctx, ScheduleRequest{ReportID: "daily-revenue", CronExpression: "@daily", Parameters: []string{"a"}})
	if !apperrors.IsValidation(err) {
		t.Errorf("array parameters: expected validation error, got %v", err)
	}
}

func TestClient_Backfill(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	start := time.Date(2025, 5, 11, 0, 0, 0, 0, time.UTC)
	col, err := c.CreateBackfill(ctx, "daily-revenue", start, time.Time{}, report.SegmentWeekly, map[string]int{"limit": 10})
	if err != nil {
		t.Fatalf("create backfill failed: %v", err)
	}
	if col.TotalSegments != 3 || col.InstanceID != "warehouse-1" {
		t.Errorf("unexpected collection %+v", col)
	}

	progress, err := c.GetBackfillProgress(ctx, col.ID)
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if progress.PendingSegments != 3 || progress.Percent() != 0 {
		t.Errorf("unexpected progress %+v", progress)
	}

	segs, err := c.ListSegments(ctx, col.ID)
	if err != nil || len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d (%v)", len(segs), err)
	}

	if _, err := c.CancelSegment(ctx, segs[0].ID); err != nil {
		t.Fatalf("cancel segment failed: %v", err)
	}
	progress, err = c.CancelCollection(ctx, col.ID)
	if err != nil {
		t.Fatalf("cancel collection failed: %v", err)
	}
	if progress.Status != report.CollectionStatusCancelled || progress.CancelledSegments != 3 {
		t.Errorf("unexpected progress %+v", progress)
	}
}

func TestClient_BackfillValidation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreateBackfill(ctx, "daily-revenue", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), time.Time{}, "hourly", nil)
	if !apperrors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	_, err = c.GetBackfillProgress(ctx, "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
