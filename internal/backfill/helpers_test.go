package backfill

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

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

type mockDispatcher struct {
	mu         sync.Mutex
	requests   []*dispatch.Request
	submitErr  error
	cancelled  []string
	cancelResp bool
	// onSubmit runs while the submission is in flight
	onSubmit func(req *dispatch.Request)
}

func (m *mockDispatcher) Submit(ctx context.Context, req *dispatch.Request) (string, error) {
	m.mu.Lock()
	if m.submitErr != nil {
		defer m.mu.Unlock()
		return "", m.submitErr
	}
	m.requests = append(m.requests, req)
	id := fmt.Sprintf("exec-%d", len(m.requests))
	hook := m.onSubmit
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return id, nil
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

func (m *mockDispatcher) cancelledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

func (m *mockDispatcher) setSubmitErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

type staticLookup struct {
	reports map[string]*report.Definition
}

func (l *staticLookup) GetReport(ctx context.Context, id string) (*report.Definition, error) {
	def, ok := l.reports[id]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, apperrors.ErrFatalConfig)
	}
	return def, nil
}

type testEnv struct {
	client     *redis.Client
	clock      *clock.Fake
	store      *Store
	dispatcher *mockDispatcher
	metrics    *metrics.Collector
	manager    *Manager
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	client, _ := setupTestRedis(t)
	env := &testEnv{
		client:     client,
		clock:      clock.NewFake(now),
		store:      NewStore(client),
		dispatcher: &mockDispatcher{cancelResp: true},
		metrics:    metrics.NewCollector(),
	}
	lookup := &staticLookup{reports: map[string]*report.Definition{
		"rpt-1": {
			ReportID:      "rpt-1",
			InstanceID:    "inst-1",
			QueryTemplate: "SELECT sum(amount) FROM orders",
			Parameters:    []byte(`{"region":"us"}`),
		},
	}}
	env.manager = NewManager(env.store, lookup, env.dispatcher, env.clock, Config{DataLagDays: 14, MaxLookbackDays: 365})
	env.manager.SetMetrics(env.metrics)
	return env
}

// weekly creates the three-week collection used across the tests:
// [05-11,05-18) [05-18,05-25) [05-25,06-01) for now = 2025-06-15
func (e *testEnv) weekly(t *testing.T) (*report.BackfillCollection, []*report.Segment) {
	t.Helper()
	c, segs, err := e.manager.Create(context.Background(), CollectionConfig{
		ReportID:     "rpt-1",
		SegmentType:  report.SegmentWeekly,
		LookbackDays: 21,
	})
	if err != nil {
		t.Fatalf("failed to create collection: %v", err)
	}
	return c, segs
}

func (e *testEnv) segment(t *testing.T, id string) *report.Segment {
	t.Helper()
	seg, err := e.store.GetSegment(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load segment: %v", err)
	}
	return seg
}

func (e *testEnv) dispatchAll(t *testing.T, segs []*report.Segment) {
	t.Helper()
	for _, seg := range segs {
		ok, err := e.manager.DispatchSegment(context.Background(), seg)
		if err != nil || !ok {
			t.Fatalf("dispatch of segment %d failed: ok=%v err=%v", seg.SegmentIndex, ok, err)
		}
	}
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		t.Fatalf("bad date %q: %v", s, err)
	}
	return d
}

func assertErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
