package scheduler

import (
	"testing"
	"time"

	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
)

func TestNextRun_DailyUTC(t *testing.T) {
	from := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	next, err := NextRun("0 2 * * *", "UTC", from)
	if err != nil {
		t.Fatalf("NextRun failed: %v", err)
	}

	want := time.Date(2025, 1, 2, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("got %v, want %v", next, want)
	}
	if next.Location() != time.UTC {
		t.Errorf("expected UTC result, got %v", next.Location())
	}
}

func TestNextRun_Deterministic(t *testing.T) {
	from := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	a, err := NextRun("*/15 * * * *", "Europe/Berlin", from)
	if err != nil {
		t.Fatalf("NextRun failed: %v", err)
	}
	b, _ := NextRun("*/15 * * * *", "Europe/Berlin", from)
	if !a.Equal(b) {
		t.Errorf("expected identical results, got %v and %v", a, b)
	}
}

func TestNextRun_TimezoneLocal(t *testing.T) {
	// 09:00 in New York during EST is 14:00 UTC
	from := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	next, err := NextRun("0 9 * * *", "America/New_York", from)
	if err != nil {
		t.Fatalf("NextRun failed: %v", err)
	}
	want := time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("got %v, want %v", next, want)
	}
}

func TestNextRun_DSTTransition(t *testing.T) {
	// Clocks move forward on 2025-03-09 in New York: 09:00 EDT is 13:00 UTC
	from := time.Date(2025, 3, 8, 15, 0, 0, 0, time.UTC)

	next, err := NextRun("0 9 * * *", "America/New_York", from)
	if err != nil {
		t.Fatalf("NextRun failed: %v", err)
	}
	want := time.Date(2025, 3, 9, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("got %v, want %v", next, want)
	}
}

func TestNextRun_Invalid(t *testing.T) {
	from := time.Now()
	tests := []struct {
		name     string
		cron     string
		timezone string
	}{
		{"empty", "", "UTC"},
		{"garbage", "not a cron", "UTC"},
		{"six fields", "0 0 2 * * *", "UTC"},
		{"out of range", "61 * * * *", "UTC"},
		{"bad timezone", "0 2 * * *", "Mars/Olympus"},
		{"cron_tz prefix", "CRON_TZ=Asia/Tokyo 0 2 * * *", "UTC"},
		{"tz prefix", "TZ=Asia/Tokyo 0 2 * * *", "UTC"},
		{"padded tz prefix", "  cron_tz=Asia/Tokyo 0 2 * * *", "UTC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NextRun(tt.cron, tt.timezone, from)
			if !apperrors.IsValidation(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestPeriod(t *testing.T) {
	at := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	p, err := period("0 * * * *", "UTC", at)
	if err != nil {
		t.Fatalf("period failed: %v", err)
	}
	if p != time.Hour {
		t.Errorf("expected 1h, got %v", p)
	}
}
