// Package backfill splits a historical date range into fixed-width segments,
// persists them as a collection and tracks their execution.
package backfill

import (
	"time"

	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/report"
)

// MaxLookbackDays is the hard cap on a backfill window
const MaxLookbackDays = 365

const day = 24 * time.Hour

// Range is one half-open date range [Start, End)
type Range struct {
	Index int
	Start time.Time
	End   time.Time
}

// Plan returns the segments covering lookbackDays back from the clamped end
// date, in chronological order with 1-based indices. The end is clamped to
// min(endDate, now - dataLagDays) and both are truncated to UTC midnight.
// Walking back from the end in fixed steps, the earliest segment is cut
// short at the lookback boundary.
func Plan(now, endDate time.Time, lookbackDays int, segmentType report.SegmentType, dataLagDays int) ([]Range, error) {
	if lookbackDays <= 0 {
		return nil, apperrors.NewValidationError("lookback_days", "must be positive, got %d", lookbackDays)
	}
	if lookbackDays > MaxLookbackDays {
		return nil, apperrors.NewValidationError("lookback_days", "must not exceed %d, got %d", MaxLookbackDays, lookbackDays)
	}
	step := segmentType.StepDays()
	if step == 0 {
		return nil, apperrors.NewValidationError("segment_type", "unknown segment type %q", segmentType)
	}
	if dataLagDays < 0 {
		return nil, apperrors.NewValidationError("data_lag_days", "cannot be negative")
	}

	end := ClampEnd(now, endDate, dataLagDays)
	start := end.AddDate(0, 0, -lookbackDays)

	// newest first
	var ranges []Range
	for cur := end; cur.After(start); {
		s := cur.AddDate(0, 0, -step)
		if s.Before(start) {
			s = start
		}
		ranges = append(ranges, Range{Start: s, End: cur})
		cur = s
	}

	out := make([]Range, len(ranges))
	for i := range ranges {
		r := ranges[len(ranges)-1-i]
		r.Index = i + 1
		out[i] = r
	}
	return out, nil
}

// ClampEnd returns min(endDate, now - dataLagDays) at UTC midnight. A zero
// endDate means now.
func ClampEnd(now, endDate time.Time, dataLagDays int) time.Time {
	if endDate.IsZero() {
		endDate = now
	}
	end := truncateDay(endDate)
	available := truncateDay(now).AddDate(0, 0, -dataLagDays)
	if available.Before(end) {
		end = available
	}
	return end
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// daysBetween counts whole UTC days from start to end
func daysBetween(start, end time.Time) int {
	return int(truncateDay(end).Sub(truncateDay(start)) / day)
}
