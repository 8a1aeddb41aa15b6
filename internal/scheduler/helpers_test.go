package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/reportflow/internal/clock"
	"github.com/muaviaUsmani/reportflow/internal/dispatch"
	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/metrics"
	"github.com/muaviaUsmani/reportflow/internal/report"
)

// mockDispatcher records submissions instead of sending them anywhere
type mockDispatcher struct {
	mu         sync.Mutex
	requests   []*dispatch.Request
	submitErr  error
	cancelled  []string
	cancelResp bool
}

func (m *mockDispatcher) Submit(ctx context.Context, req *dispatch.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.requests = append(m.requests, req)
	return fmt.Sprintf("exec-%d", len(m.requests)), nil
}

func (m *mockDispatcher) Cancel(ctx context.Context, executionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, executionID)
	return m.cancelResp, nil
}

func (m *mockDispatcher) submitted() []*dispatch.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*dispatch.Request(nil), m.requests...)
}

// staticLookup serves report definitions from a map
type staticLookup struct {
	mu      sync.Mutex
	reports map[string]*report.Definition
	err     error
}

func (l *staticLookup) GetReport(ctx context.Context, id string) (*report.Definition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	def, ok := l.reports[id]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, apperrors.ErrFatalConfig)
	}
	return def, nil
}

func (l *staticLookup) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reports, id)
}

type testEnv struct {
	client     *redis.Client
	mr         *miniredis.Miniredis
	clock      *clock.Fake
	store      *Store
	ledger     *Ledger
	lookup     *staticLookup
	dispatcher *mockDispatcher
	metrics    *metrics.Collector
	poller     *Poller
	service    *Service
}

var testConfig = PollerConfig{
	Interval:      time.Minute,
	DueBuffer:     5 * time.Minute,
	BatchSize:     100,
	StuckRunAfter: 6 * time.Hour,
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	client, mr := setupTestRedis(t)

	env := &testEnv{
		client: client,
		mr:     mr,
		clock:  clock.NewFake(now),
		lookup: &staticLookup{reports: map[string]*report.Definition{
			"rpt-1": {
				ReportID:      "rpt-1",
				InstanceID:    "inst-1",
				QueryTemplate: "SELECT count(*) FROM orders",
				Parameters:    []byte(`{"region":"us","currency":"usd"}`),
			},
		}},
		dispatcher: &mockDispatcher{cancelResp: true},
		metrics:    metrics.NewCollector(),
	}
	env.store = NewStore(client)
	env.ledger = NewLedger(client, env.clock)
	env.poller = env.newPoller()
	env.service = NewService(env.store, env.ledger, env.dispatcher, env.clock, Defaults{
		FailureThreshold:   3,
		AutoPauseOnFailure: true,
	})
	env.service.SetMetrics(env.metrics)
	return env
}

func (e *testEnv) newPoller() *Poller {
	p := NewPoller(e.client, e.store, e.ledger, e.lookup, e.dispatcher, e.clock, testConfig)
	p.SetMetrics(e.metrics)
	return p
}

func (e *testEnv) createSchedule(t *testing.T, cronExpr string) *report.Schedule {
	t.Helper()
	sched, err := e.service.CreateSchedule(context.Background(), CreateScheduleInput{
		ReportID:          "rpt-1",
		CronExpression:    cronExpr,
		Timezone:          "UTC",
		DefaultParameters: []byte(`{"region":"eu"}`),
	})
	if err != nil {
		t.Fatalf("failed to create schedule: %v", err)
	}
	return sched
}

func (e *testEnv) schedule(t *testing.T, id string) *report.Schedule {
	t.Helper()
	sched, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load schedule: %v", err)
	}
	return sched
}

func (e *testEnv) runs(t *testing.T, scheduleID string) []*report.ScheduleRun {
	t.Helper()
	runs, err := e.ledger.ListRuns(context.Background(), scheduleID, 100)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	return runs
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad time %q: %v", s, err)
	}
	return ts
}

func assertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
