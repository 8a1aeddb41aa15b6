package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/reportflow/internal/clock"
	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func newTestDispatcher(t *testing.T, format Format) (*RedisDispatcher, *redis.Client) {
	client, _ := setupTestRedis(t)
	return NewRedisDispatcher(client, NewCodec(format), clock.NewFake(testNow)), client
}

func testRequest() *Request {
	return &Request{
		Query:       "SELECT * FROM events WHERE ts >= :start AND ts < :end",
		InstanceID:  "inst-1",
		WindowStart: time.Date(2025, 5, 11, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2025, 5, 18, 0, 0, 0, 0, time.UTC),
		Parameters:  json.RawMessage(`{"region":"eu","limit":100}`),
		Owner:       Owner{Kind: OwnerSegment, ID: "seg-1"},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatProtobuf} {
		codec := NewCodec(format)
		req := testRequest()

		data, err := codec.Encode(req)
		if err != nil {
			t.Fatalf("format %d: encode failed: %v", format, err)
		}
		if Format(data[0]) != format {
			t.Errorf("expected prefix %d, got %d", format, data[0])
		}

		got, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("format %d: decode failed: %v", format, err)
		}
		if got.Query != req.Query || got.InstanceID != req.InstanceID || got.Owner != req.Owner {
			t.Errorf("format %d: request mismatch: %+v", format, got)
		}
		if !got.WindowStart.Equal(req.WindowStart) || !got.WindowEnd.Equal(req.WindowEnd) {
			t.Errorf("format %d: window mismatch: %v - %v", format, got.WindowStart, got.WindowEnd)
		}

		var params map[string]interface{}
		if err := json.Unmarshal(got.Parameters, &params); err != nil {
			t.Fatalf("format %d: parameters not JSON: %v", format, err)
		}
		if params["region"] != "eu" || params["limit"] != float64(100) {
			t.Errorf("format %d: unexpected parameters %v", format, params)
		}
	}
}

func TestCodec_DecodeErrors(t *testing.T) {
	codec := NewCodec(FormatJSON)

	if _, err := codec.Decode(nil); !errors.Is(err, ErrDecode) {
		t.Errorf("expected ErrDecode for empty payload, got %v", err)
	}
	if _, err := codec.Decode([]byte{0x7F, '{', '}'}); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
	if _, err := codec.Decode([]byte{byte(FormatJSON), '{'}); !errors.Is(err, ErrDecode) {
		t.Errorf("expected ErrDecode for truncated JSON, got %v", err)
	}
}

func TestCodec_ProtobufRejectsNonObjectParameters(t *testing.T) {
	req := testRequest()
	req.Parameters = json.RawMessage(`[1,2]`)

	if _, err := NewCodec(FormatProtobuf).Encode(req); err == nil {
		t.Error("expected error for array parameters")
	}
}

func TestRedisDispatcher_SubmitNextComplete(t *testing.T) {
	d, _ := newTestDispatcher(t, FormatProtobuf)
	ctx := context.Background()

	id, err := d.Submit(ctx, testRequest())
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected execution id")
	}
	if depth, _ := d.QueueDepth(ctx); depth != 1 {
		t.Errorf("expected queue depth 1, got %d", depth)
	}

	res, err := d.GetResult(ctx, id)
	if err != nil || res != nil {
		t.Fatalf("expected no result while queued, got %v, %v", res, err)
	}

	exec, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if exec == nil || exec.ID != id {
		t.Fatalf("expected execution %s, got %+v", id, exec)
	}
	if exec.Request.Owner.ID != "seg-1" {
		t.Errorf("expected owner seg-1, got %s", exec.Request.Owner.ID)
	}

	if err := d.Complete(ctx, &Result{ExecutionID: id, Status: StatusCompleted, RowCount: 42, Cost: 0.25}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	res, err = d.GetResult(ctx, id)
	if err != nil {
		t.Fatalf("get result failed: %v", err)
	}
	if res.Status != StatusCompleted || res.RowCount != 42 || res.Cost != 0.25 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Owner != (Owner{Kind: OwnerSegment, ID: "seg-1"}) {
		t.Errorf("unexpected owner %+v", res.Owner)
	}
	if !res.CompletedAt.Equal(testNow) {
		t.Errorf("expected completed_at %v, got %v", testNow, res.CompletedAt)
	}

	// a second report for the same execution is ignored
	if err := d.Complete(ctx, &Result{ExecutionID: id, Status: StatusFailed, ErrorMessage: "late"}); err != nil {
		t.Fatalf("repeat complete failed: %v", err)
	}
	res, _ = d.GetResult(ctx, id)
	if res.Status != StatusCompleted {
		t.Errorf("terminal status changed to %s", res.Status)
	}

	unrouted, _ := d.Unrouted(ctx)
	if len(unrouted) != 1 || unrouted[0] != id {
		t.Errorf("expected %s unrouted, got %v", id, unrouted)
	}
}

func TestRedisDispatcher_NextEmpty(t *testing.T) {
	d, _ := newTestDispatcher(t, FormatJSON)

	exec, err := d.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec != nil {
		t.Errorf("expected nil execution, got %+v", exec)
	}
}

func TestRedisDispatcher_CompleteRejectsNonTerminal(t *testing.T) {
	d, _ := newTestDispatcher(t, FormatJSON)

	err := d.Complete(context.Background(), &Result{ExecutionID: "x", Status: StatusRunning})
	if !apperrors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRedisDispatcher_Cancel(t *testing.T) {
	d, _ := newTestDispatcher(t, FormatJSON)
	ctx := context.Background()

	// queued: cancelled in place and skipped by Next
	queued, _ := d.Submit(ctx, testRequest())
	ok, err := d.Cancel(ctx, queued)
	if err != nil || !ok {
		t.Fatalf("expected queued cancel to succeed, got %v, %v", ok, err)
	}
	res, _ := d.GetResult(ctx, queued)
	if res == nil || res.Status != StatusCancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	if exec, _ := d.Next(ctx); exec != nil {
		t.Errorf("cancelled execution was handed out: %+v", exec)
	}

	// running: flagged for the engine
	running, _ := d.Submit(ctx, testRequest())
	if _, err := d.Next(ctx); err != nil {
		t.Fatalf("next failed: %v", err)
	}
	ok, err = d.Cancel(ctx, running)
	if err != nil || !ok {
		t.Fatalf("expected running cancel to succeed, got %v, %v", ok, err)
	}
	if flagged, _ := d.CancelRequested(ctx, running); !flagged {
		t.Error("expected cancel_requested on running execution")
	}

	// terminal: no-op
	d.Complete(ctx, &Result{ExecutionID: running, Status: StatusCancelled})
	ok, err = d.Cancel(ctx, running)
	if err != nil || ok {
		t.Errorf("expected terminal cancel to be a no-op, got %v, %v", ok, err)
	}

	if _, err := d.Cancel(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListener_RouteAndAck(t *testing.T) {
	d, client := newTestDispatcher(t, FormatJSON)
	ctx := context.Background()

	l := NewListener(client, d, time.Hour)
	var got atomic.Value
	l.Handle(OwnerSegment, func(ctx context.Context, r *Result) error {
		got.Store(r)
		return nil
	})

	id, _ := d.Submit(ctx, testRequest())
	d.Next(ctx)
	d.Complete(ctx, &Result{ExecutionID: id, Status: StatusFailed, ErrorMessage: "boom"})

	if !l.Route(ctx, id) {
		t.Fatal("expected route to succeed")
	}
	r, _ := got.Load().(*Result)
	if r == nil || r.Status != StatusFailed || r.ErrorMessage != "boom" {
		t.Errorf("unexpected routed result %+v", r)
	}
	if unrouted, _ := d.Unrouted(ctx); len(unrouted) != 0 {
		t.Errorf("expected result to be acked, still unrouted: %v", unrouted)
	}
}

func TestListener_HandlerErrorLeavesResultUnacked(t *testing.T) {
	d, client := newTestDispatcher(t, FormatJSON)
	ctx := context.Background()

	l := NewListener(client, d, time.Hour)
	calls := 0
	l.Handle(OwnerSegment, func(ctx context.Context, r *Result) error {
		calls++
		if calls == 1 {
			return errors.New("store unavailable")
		}
		return nil
	})

	id, _ := d.Submit(ctx, testRequest())
	d.Complete(ctx, &Result{ExecutionID: id, Status: StatusCompleted})

	if n := l.Sweep(ctx); n != 0 {
		t.Errorf("expected nothing routed on handler error, got %d", n)
	}
	if n := l.Sweep(ctx); n != 1 {
		t.Errorf("expected retry to route 1 result, got %d", n)
	}
	if calls != 2 {
		t.Errorf("expected 2 handler calls, got %d", calls)
	}
}

func TestListener_HandlerPanicIsRecovered(t *testing.T) {
	d, client := newTestDispatcher(t, FormatJSON)
	ctx := context.Background()

	l := NewListener(client, d, time.Hour)
	l.Handle(OwnerSegment, func(ctx context.Context, r *Result) error {
		panic("handler exploded")
	})

	id, _ := d.Submit(ctx, testRequest())
	d.Complete(ctx, &Result{ExecutionID: id, Status: StatusCompleted})

	if l.Route(ctx, id) {
		t.Error("expected route to report failure after panic")
	}
}

func TestListener_PubSubDelivery(t *testing.T) {
	d, client := newTestDispatcher(t, FormatJSON)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener(client, d, time.Hour)
	done := make(chan *Result, 1)
	l.Handle(OwnerRun, func(ctx context.Context, r *Result) error {
		done <- r
		return nil
	})
	l.Start(ctx)
	defer l.Stop()

	req := testRequest()
	req.Owner = Owner{Kind: OwnerRun, ID: "run-1"}
	id, _ := d.Submit(ctx, req)

	// give the subscription time to register before publishing
	time.Sleep(50 * time.Millisecond)
	d.Complete(ctx, &Result{ExecutionID: id, Status: StatusCompleted, RowCount: 7})

	select {
	case r := <-done:
		if r.Owner.ID != "run-1" || r.RowCount != 7 {
			t.Errorf("unexpected result %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result was not delivered")
	}
}
