package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	m := c.GetMetrics()
	if m.PollTicks != 0 || m.ClaimsWon != 0 || m.DuplicateClaims != 0 {
		t.Errorf("expected zeroed collector, got %+v", m)
	}
}

func TestRecordTick(t *testing.T) {
	c := NewCollector()
	c.RecordTick(3, 20*time.Millisecond)
	c.RecordTick(1, 40*time.Millisecond)

	m := c.GetMetrics()
	if m.PollTicks != 2 {
		t.Errorf("expected 2 ticks, got %d", m.PollTicks)
	}
	if m.SchedulesDue != 4 {
		t.Errorf("expected 4 due, got %d", m.SchedulesDue)
	}
	if m.AvgTickDuration != 30*time.Millisecond {
		t.Errorf("expected 30ms average, got %v", m.AvgTickDuration)
	}
}

func TestClaimCounters(t *testing.T) {
	c := NewCollector()
	c.RecordClaim()
	c.RecordDuplicateClaim()
	c.RecordDuplicateClaim()
	c.RecordRunSkipped()
	c.RecordDispatchFailure()
	c.RecordAutoPause()
	c.RecordStuckRuns(2)

	m := c.GetMetrics()
	if m.ClaimsWon != 1 || m.DuplicateClaims != 2 || m.RunsSkipped != 1 {
		t.Errorf("claim counters mismatch: %+v", m)
	}
	if m.DispatchFailures != 1 || m.AutoPauses != 1 || m.StuckRuns != 2 {
		t.Errorf("failure counters mismatch: %+v", m)
	}
}

func TestStatusCounters(t *testing.T) {
	c := NewCollector()
	c.RecordRunStatus("completed")
	c.RecordRunStatus("failed")
	c.RecordRunStatus("completed")
	c.RecordSegmentStatus("completed")

	m := c.GetMetrics()
	if m.RunsByStatus["completed"] != 2 || m.RunsByStatus["failed"] != 1 {
		t.Errorf("runs by status mismatch: %v", m.RunsByStatus)
	}
	if m.SegmentsByStatus["completed"] != 1 {
		t.Errorf("segments by status mismatch: %v", m.SegmentsByStatus)
	}

	// snapshot maps must be copies
	m.RunsByStatus["completed"] = 100
	if c.GetMetrics().RunsByStatus["completed"] != 2 {
		t.Error("snapshot map aliases collector state")
	}
}

func TestReset(t *testing.T) {
	c := NewCollector()
	c.RecordClaim()
	c.RecordRunStatus("failed")
	c.Reset()

	m := c.GetMetrics()
	if m.ClaimsWon != 0 || len(m.RunsByStatus) != 0 {
		t.Errorf("expected reset collector, got %+v", m)
	}
}

func TestPrometheusExposition(t *testing.T) {
	c := NewCollector()
	c.RecordClaim()
	c.RecordDuplicateClaim()
	c.RecordSegmentStatus("failed")

	handler := promhttp.HandlerFor(NewRegistry(c), promhttp.HandlerOpts{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"reportflow_claims_total 1",
		"reportflow_duplicate_claims_total 1",
		`reportflow_segments_total{status="failed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in exposition output", want)
		}
	}
}

func TestDefault(t *testing.T) {
	if Default() != Default() {
		t.Error("Default should return a singleton")
	}
}
