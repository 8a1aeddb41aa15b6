package scheduler

import (
	"strconv"
	"time"
)

const keyPrefix = "reportflow:"

const (
	// dueSetKey orders runnable schedules by next_run_at (unix millis)
	dueSetKey = keyPrefix + "schedules:due"
	// allSchedulesKey holds every schedule id ever created
	allSchedulesKey = keyPrefix + "schedules"
	// activeRunsKey orders runs in running state by start time
	activeRunsKey = keyPrefix + "runs:active"
)

func scheduleKey(id string) string {
	return keyPrefix + "schedule:" + id
}

func scheduleRunsKey(scheduleID string) string {
	return keyPrefix + "schedule:" + scheduleID + ":runs"
}

// runNumberKey is the uniqueness constraint on (schedule_id, run_number)
func runNumberKey(scheduleID string, runNumber int64) string {
	return keyPrefix + "schedule:" + scheduleID + ":run:" + strconv.FormatInt(runNumber, 10)
}

func runKey(runID string) string {
	return keyPrefix + "run:" + runID
}

// timestamps are stored as unix milliseconds so Lua can compare them
func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UTC().UnixMilli(), 10)
}

func parseMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
