package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/logger"
)

// ResultHandler applies a terminal execution result to its owner.
// Returning an error leaves the result unacknowledged so it is retried.
type ResultHandler func(ctx context.Context, result *Result) error

// Listener routes finished executions to the handler registered for their
// owner kind. Notifications arrive over pub/sub; a periodic sweep of
// unacknowledged results covers anything published while nobody listened.
type Listener struct {
	client       *redis.Client
	dispatcher   *RedisDispatcher
	pollInterval time.Duration
	log          logger.Logger

	mu       sync.RWMutex
	handlers map[OwnerKind]ResultHandler

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewListener creates a listener. Register handlers with Handle before Start.
func NewListener(client *redis.Client, dispatcher *RedisDispatcher, pollInterval time.Duration) *Listener {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Listener{
		client:       client,
		dispatcher:   dispatcher,
		pollInterval: pollInterval,
		log:          logger.Default().WithComponent(logger.ComponentDispatch),
		handlers:     make(map[OwnerKind]ResultHandler),
		stopChan:     make(chan struct{}),
	}
}

// Handle registers the handler for one owner kind
func (l *Listener) Handle(kind OwnerKind, h ResultHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[kind] = h
}

// Start subscribes to notifications and begins the fallback sweep
func (l *Listener) Start(ctx context.Context) {
	pubsub := l.client.Subscribe(ctx, DoneChannel)

	l.wg.Add(2)
	go l.subscribeLoop(ctx, pubsub)
	go l.pollLoop(ctx)

	l.log.Info("Result listener started", "poll_interval", l.pollInterval)
}

// Stop ends both loops and waits for in-flight routing to finish
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()
	l.log.Info("Result listener stopped")
}

func (l *Listener) subscribeLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer l.wg.Done()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			l.Route(ctx, msg.Payload)
		}
	}
}

func (l *Listener) pollLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	// pick up anything that finished while no listener was running
	l.Sweep(ctx)

	for {
		select {
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(ctx)
		}
	}
}

// Sweep routes every unacknowledged result and returns how many were routed
func (l *Listener) Sweep(ctx context.Context) int {
	ids, err := l.dispatcher.Unrouted(ctx)
	if err != nil {
		l.log.Warn("Failed to list finished executions", "error", err)
		return 0
	}
	routed := 0
	for _, id := range ids {
		if l.Route(ctx, id) {
			routed++
		}
	}
	return routed
}

// Route delivers one execution's result to its handler and acknowledges it
// on success. Routing the same result twice is safe: handlers are idempotent
// and an acknowledged id is no longer swept.
func (l *Listener) Route(ctx context.Context, executionID string) (ok bool) {
	defer func() {
		if perr := apperrors.Recover(recover()); perr != nil {
			l.log.Error("Result handler panicked",
				"execution_id", executionID,
				"panic", apperrors.FormatPanicForLog(perr))
			ok = false
		}
	}()

	result, err := l.dispatcher.GetResult(ctx, executionID)
	if err != nil {
		l.log.Warn("Failed to load execution result", "execution_id", executionID, "error", err)
		return false
	}
	if result == nil {
		return false
	}

	l.mu.RLock()
	h, found := l.handlers[result.Owner.Kind]
	l.mu.RUnlock()
	if !found {
		l.log.Warn("No handler for execution owner",
			"execution_id", executionID,
			"owner_kind", result.Owner.Kind)
		return false
	}

	if err := h(ctx, result); err != nil {
		l.log.Error("Failed to apply execution result",
			"execution_id", executionID,
			"owner_kind", result.Owner.Kind,
			"owner_id", result.Owner.ID,
			"error", err)
		return false
	}

	if err := l.dispatcher.Ack(ctx, executionID); err != nil {
		l.log.Warn("Failed to ack execution result", "execution_id", executionID, "error", err)
		return false
	}
	l.log.Debug("Routed execution result",
		"execution_id", executionID,
		"owner_kind", result.Owner.Kind,
		"owner_id", result.Owner.ID,
		"status", result.Status)
	return true
}
