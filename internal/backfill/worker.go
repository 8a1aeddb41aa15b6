package backfill

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/logger"
)

// WorkerConfig controls the segment worker pool
type WorkerConfig struct {
	// Concurrency is the number of dispatching goroutines
	Concurrency int
	// BatchSize is how many pending segments are read per collection per pass
	BatchSize int
	// IdleWait is the pause after a pass that dispatched nothing
	IdleWait time.Duration
	// MaxBackoff caps the wait after repeated store errors
	MaxBackoff time.Duration
}

// Worker pulls pending segments from active collections and dispatches them.
// Any number of workers, in any number of processes, may run at once; the
// segment claim decides who dispatches what.
type Worker struct {
	manager  *Manager
	config   WorkerConfig
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	log      logger.Logger
}

// NewWorker creates a worker pool over a manager
func NewWorker(manager *Manager, config WorkerConfig) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.IdleWait <= 0 {
		config.IdleWait = 5 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	return &Worker{
		manager:  manager,
		config:   config,
		stopChan: make(chan struct{}),
		log:      logger.Default().WithComponent(logger.ComponentWorker),
	}
}

// Start launches the worker goroutines and returns immediately
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting segment workers", "workers", w.config.Concurrency)
	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i+1)
	}
}

// Stop signals the workers and waits up to 30 seconds for them to exit
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("Segment workers stopped")
	case <-time.After(30 * time.Second):
		w.log.Warn("Segment worker shutdown timed out", "timeout", "30s")
	}
}

func (w *Worker) loop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	consecutiveFailures := 0
	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		dispatched, err := w.runSafely(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			backoff := time.Duration(1<<uint(min(consecutiveFailures, 16))) * time.Second
			if backoff > w.config.MaxBackoff {
				backoff = w.config.MaxBackoff
			}
			if consecutiveFailures <= 3 {
				w.log.Warn("Segment pass failed, retrying with backoff",
					"worker_id", workerID,
					"error", err,
					"consecutive_failures", consecutiveFailures,
					"backoff", backoff)
			} else if consecutiveFailures%10 == 0 {
				w.log.Error("Persistent segment pass failures",
					"worker_id", workerID,
					"error", err,
					"consecutive_failures", consecutiveFailures)
			}
			if !w.wait(ctx, backoff) {
				return
			}
			continue
		}

		if consecutiveFailures > 0 {
			w.log.Info("Segment worker recovered", "worker_id", workerID, "after_failures", consecutiveFailures)
			consecutiveFailures = 0
		}
		if dispatched == 0 && !w.wait(ctx, w.config.IdleWait) {
			return
		}
	}
}

// wait sleeps for d and reports false if the worker should exit
func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) runSafely(ctx context.Context, workerID int) (dispatched int, err error) {
	defer func() {
		if perr := apperrors.Recover(recover()); perr != nil {
			w.log.Error("Segment worker recovered from panic",
				"worker_id", workerID,
				"panic", apperrors.FormatPanicForLog(perr))
			err = perr
		}
	}()
	return w.RunOnce(ctx)
}

// RunOnce makes one pass over the active collections, dispatching up to
// BatchSize pending segments from each. It returns how many segments this
// call dispatched.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	ids, err := w.manager.ActiveCollections(ctx)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		pending, err := w.manager.GetPendingSegments(ctx, id, w.config.BatchSize)
		if err != nil {
			w.log.Warn("Failed to read pending segments", "collection_id", id, "error", err)
			continue
		}
		for _, seg := range pending {
			ok, err := w.manager.DispatchSegment(ctx, seg)
			if err != nil {
				w.log.Warn("Segment dispatch error", "collection_id", id, "segment_id", seg.ID, "error", err)
				continue
			}
			if ok {
				dispatched++
			}
		}
	}
	return dispatched, nil
}
