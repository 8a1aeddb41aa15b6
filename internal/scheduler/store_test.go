package scheduler

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/report"
)

func TestStore_CreateAndGet(t *testing.T) {
	env := newTestEnv(t, mustTime(t, "2025-01-01T10:00:00Z"))
	sched := env.createSchedule(t, "0 2 * * *")

	got := env.schedule(t, sched.ID)
	if got.ReportID != "rpt-1" || got.CronExpression != "0 2 * * *" || got.Timezone != "UTC" {
		t.Errorf("unexpected schedule %+v", got)
	}
	if !got.IsActive || got.IsPaused {
		t.Errorf("expected active, unpaused schedule")
	}
	want := mustTime(t, "2025-01-02T02:00:00Z")
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Errorf("expected next_run_at %v, got %v", want, got.NextRunAt)
	}
	if string(got.DefaultParameters) != `{"region":"eu"}` {
		t.Errorf("unexpected parameters %s", got.DefaultParameters)
	}
	if got.FailureThreshold != 3 || !got.AutoPauseOnFailure {
		t.Errorf("expected service defaults, got threshold=%d auto=%v", got.FailureThreshold, got.AutoPauseOnFailure)
	}
}

func TestStore_GetMissing(t *testing.T) {
	env := newTestEnv(t, mustTime(t, "2025-01-01T10:00:00Z"))

	_, err := env.store.Get(context.Background(), "nope")
	assertErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_CreateRejectsActiveWithoutNextRun(t *testing.T) {
	env := newTestEnv(t, mustTime(t, "2025-01-01T10:00:00Z"))

	err := env.store.Create(context.Background(), &report.Schedule{ID: "s1", IsActive: true})
	if err == nil {
		t.Fatal("expected error for active schedule without next_run_at")
	}
}

func TestStore_DueOrderingAndCutoff(t *testing.T) {
	env := newTestEnv(t, mustTime(t, "2025-01-01T10:00:00Z"))
	ctx := context.Background()

	hourly := env.createSchedule(t, "0 * * * *")  // 11:00
	daily := env.createSchedule(t, "30 10 * * *") // 10:30
	env.createSchedule(t, "0 2 * * *")            // tomorrow

	due, err := env.store.Due(ctx, mustTime(t, "2025-01-01T11:00:00Z"), 10)
	if err != nil {
		t.Fatalf("due failed: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due schedules, got %d", len(due))
	}
	if due[0].ID != daily.ID || due[1].ID != hourly.ID {
		t.Errorf("expected earliest first, got %s then %s", due[0].ID, due[1].ID)
	}

	limited, _ := env.store.Due(ctx, mustTime(t, "2025-01-01T11:00:00Z"), 1)
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestStore_PauseResume(t *testing.T) {
	env := newTestEnv(t, mustTime(t, "2025-01-01T10:00:00Z"))
	ctx := context.Background()
	sched := env.createSchedule(t, "0 2 * * *")

	changed, err := env.store.Pause(ctx, sched.ID, "maintenance", env.clock.Now())
	if err != nil || !changed {
		t.Fatalf("expected pause, got %v, %v", changed, err)
	}
	changed, _ = env.store.Pause(ctx, sched.ID, "again", env.clock.Now())
	if changed {
		t.Error("second pause should be a no-op")
	}

	got := env.schedule(t, sched.ID)
	if !got.IsPaused || got.PauseReason != "maintenance" {
		t.Errorf("unexpected pause state %+v", got)
	}
	if got.NextRunAt == nil {
		t.Error("pause must keep next_run_at")
	}
	due, _ := env.store.Due(ctx, mustTime(t, "2030-01-01T00:00:00Z"), 10)
	if len(due) != 0 {
		t.Errorf("paused schedule still due: %d", len(due))
	}

	next := mustTime(t, "2025-01-05T02:00:00Z")
	if err := env.store.Resume(ctx, sched.ID, next, env.clock.Now()); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	got = env.schedule(t, sched.ID)
	if got.IsPaused || got.PauseReason != "" || !got.NextRunAt.Equal(next) {
		t.Errorf("unexpected resumed state %+v", got)
	}
	due, _ = env.store.Due(ctx, next, 10)
	if len(due) != 1 {
		t.Errorf("resumed schedule not due")
	}
}

func TestStore_DeactivateRemovesFromDue(t *testing.T) {
	env := newTestEnv(t, mustTime(t, "2025-01-01T10:00:00Z"))
	ctx := context.Background()
	sched := env.createSchedule(t, "0 2 * * *")

	if err := env.store.Deactivate(ctx, sched.ID, env.clock.Now()); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if env.schedule(t, sched.ID).IsActive {
		t.Error("expected inactive schedule")
	}
	due, _ := env.store.Due(ctx, mustTime(t, "2030-01-01T00:00:00Z"), 10)
	if len(due) != 0 {
		t.Error("deleted schedule still due")
	}
	err := env.store.Resume(ctx, sched.ID, mustTime(t, "2025-01-05T02:00:00Z"), env.clock.Now())
	assertErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestStore_AdvanceNextRunIsCompareAndSwap(t *testing.T) {
	env := newTestEnv(t, mustTime(t, "2025-01-01T10:00:00Z"))
	ctx := context.Background()
	sched := env.createSchedule(t, "0 2 * * *")

	prev := *sched.NextRunAt
	next := prev.Add(24 * time.Hour)

	moved, err := env.store.AdvanceNextRun(ctx, sched.ID, prev, next, env.clock.Now())
	if err != nil || !moved {
		t.Fatalf("expected first advance to move, got %v, %v", moved, err)
	}
	moved, _ = env.store.AdvanceNextRun(ctx, sched.ID, prev, next.Add(24*time.Hour), env.clock.Now())
	if moved {
		t.Error("stale advance should not move next_run_at")
	}
	if got := env.schedule(t, sched.ID); !got.NextRunAt.Equal(next) {
		t.Errorf("expected %v, got %v", next, got.NextRunAt)
	}
}
