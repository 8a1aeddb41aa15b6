// Package metrics tracks scheduling and backfill activity in memory and
// exposes it as a Prometheus collector.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalCollector *Collector
	once            sync.Once
)

// Collector counts poller, ledger and backfill events
type Collector struct {
	pollTicks        atomic.Int64
	schedulesDue     atomic.Int64
	claimsWon        atomic.Int64
	duplicateClaims  atomic.Int64
	runsSkipped      atomic.Int64
	dispatchFailures atomic.Int64
	autoPauses       atomic.Int64
	stuckRuns        atomic.Int64

	mu             sync.RWMutex
	runsByStatus   map[string]int64
	segmentsByStat map[string]int64
	tickDuration   time.Duration
	tickCount      int64
	startTime      time.Time
}

// Metrics is a point-in-time snapshot of the collector
type Metrics struct {
	PollTicks        int64            `json:"poll_ticks"`
	SchedulesDue     int64            `json:"schedules_due"`
	ClaimsWon        int64            `json:"claims_won"`
	DuplicateClaims  int64            `json:"duplicate_claims"`
	RunsSkipped      int64            `json:"runs_skipped"`
	DispatchFailures int64            `json:"dispatch_failures"`
	AutoPauses       int64            `json:"auto_pauses"`
	StuckRuns        int64            `json:"stuck_runs"`
	RunsByStatus     map[string]int64 `json:"runs_by_status"`
	SegmentsByStatus map[string]int64 `json:"segments_by_status"`
	AvgTickDuration  time.Duration    `json:"avg_tick_duration"`
	Uptime           time.Duration    `json:"uptime"`
}

// Default returns the process-wide collector
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{
		runsByStatus:   make(map[string]int64),
		segmentsByStat: make(map[string]int64),
		startTime:      time.Now(),
	}
}

// RecordTick records one poll cycle and how many schedules it found due
func (c *Collector) RecordTick(due int, duration time.Duration) {
	c.pollTicks.Add(1)
	c.schedulesDue.Add(int64(due))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickDuration += duration
	c.tickCount++
}

// RecordClaim records a won claim
func (c *Collector) RecordClaim() { c.claimsWon.Add(1) }

// RecordDuplicateClaim records a lost claim race
func (c *Collector) RecordDuplicateClaim() { c.duplicateClaims.Add(1) }

// RecordRunSkipped records a due slot skipped because a run was in progress
func (c *Collector) RecordRunSkipped() { c.runsSkipped.Add(1) }

// RecordDispatchFailure records a failed submission to the execution engine
func (c *Collector) RecordDispatchFailure() { c.dispatchFailures.Add(1) }

// RecordAutoPause records a schedule paused after repeated failures
func (c *Collector) RecordAutoPause() { c.autoPauses.Add(1) }

// RecordStuckRuns records runs found running past the stuck threshold
func (c *Collector) RecordStuckRuns(n int) { c.stuckRuns.Add(int64(n)) }

// RecordRunStatus counts a run reaching status
func (c *Collector) RecordRunStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runsByStatus[status]++
}

// RecordSegmentStatus counts a segment reaching status
func (c *Collector) RecordSegmentStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segmentsByStat[status]++
}

// GetMetrics returns a snapshot of current metrics
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	runs := make(map[string]int64, len(c.runsByStatus))
	for k, v := range c.runsByStatus {
		runs[k] = v
	}
	segments := make(map[string]int64, len(c.segmentsByStat))
	for k, v := range c.segmentsByStat {
		segments[k] = v
	}

	var avg time.Duration
	if c.tickCount > 0 {
		avg = c.tickDuration / time.Duration(c.tickCount)
	}

	return Metrics{
		PollTicks:        c.pollTicks.Load(),
		SchedulesDue:     c.schedulesDue.Load(),
		ClaimsWon:        c.claimsWon.Load(),
		DuplicateClaims:  c.duplicateClaims.Load(),
		RunsSkipped:      c.runsSkipped.Load(),
		DispatchFailures: c.dispatchFailures.Load(),
		AutoPauses:       c.autoPauses.Load(),
		StuckRuns:        c.stuckRuns.Load(),
		RunsByStatus:     runs,
		SegmentsByStatus: segments,
		AvgTickDuration:  avg,
		Uptime:           time.Since(c.startTime),
	}
}

// Reset clears all metrics
func (c *Collector) Reset() {
	for _, counter := range []*atomic.Int64{
		&c.pollTicks, &c.schedulesDue, &c.claimsWon, &c.duplicateClaims,
		&c.runsSkipped, &c.dispatchFailures, &c.autoPauses, &c.stuckRuns,
	} {
		counter.Store(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runsByStatus = make(map[string]int64)
	c.segmentsByStat = make(map[string]int64)
	c.tickDuration = 0
	c.tickCount = 0
	c.startTime = time.Now()
}

var (
	counterDescs = map[string]*prometheus.Desc{
		"poll_ticks":        prometheus.NewDesc("reportflow_poll_ticks_total", "Poll cycles executed.", nil, nil),
		"schedules_due":     prometheus.NewDesc("reportflow_schedules_due_total", "Due schedules seen across poll cycles.", nil, nil),
		"claims_won":        prometheus.NewDesc("reportflow_claims_total", "Schedule slots claimed by this process.", nil, nil),
		"duplicate_claims":  prometheus.NewDesc("reportflow_duplicate_claims_total", "Claims lost to another poller.", nil, nil),
		"runs_skipped":      prometheus.NewDesc("reportflow_runs_skipped_total", "Due slots skipped because a run was in progress.", nil, nil),
		"dispatch_failures": prometheus.NewDesc("reportflow_dispatch_failures_total", "Failed submissions to the execution engine.", nil, nil),
		"auto_pauses":       prometheus.NewDesc("reportflow_auto_pauses_total", "Schedules paused after repeated failures.", nil, nil),
		"stuck_runs":        prometheus.NewDesc("reportflow_stuck_runs_total", "Runs observed running past the stuck threshold.", nil, nil),
	}
	runsDesc     = prometheus.NewDesc("reportflow_runs_total", "Schedule runs by terminal status.", []string{"status"}, nil)
	segmentsDesc = prometheus.NewDesc("reportflow_segments_total", "Backfill segments by terminal status.", []string{"status"}, nil)
	uptimeDesc   = prometheus.NewDesc("reportflow_uptime_seconds", "Seconds since the collector started.", nil, nil)
)

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range counterDescs {
		ch <- d
	}
	ch <- runsDesc
	ch <- segmentsDesc
	ch <- uptimeDesc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.GetMetrics()

	values := map[string]int64{
		"poll_ticks":        m.PollTicks,
		"schedules_due":     m.SchedulesDue,
		"claims_won":        m.ClaimsWon,
		"duplicate_claims":  m.DuplicateClaims,
		"runs_skipped":      m.RunsSkipped,
		"dispatch_failures": m.DispatchFailures,
		"auto_pauses":       m.AutoPauses,
		"stuck_runs":        m.StuckRuns,
	}
	for name, desc := range counterDescs {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(values[name]))
	}
	for status, n := range m.RunsByStatus {
		ch <- prometheus.MustNewConstMetric(runsDesc, prometheus.CounterValue, float64(n), status)
	}
	for status, n := range m.SegmentsByStatus {
		ch <- prometheus.MustNewConstMetric(segmentsDesc, prometheus.CounterValue, float64(n), status)
	}
	ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.GaugeValue, m.Uptime.Seconds())
}

var _ prometheus.Collector = (*Collector)(nil)

// GetMetrics returns metrics from the global collector
func GetMetrics() Metrics {
	return Default().GetMetrics()
}
