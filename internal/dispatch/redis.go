package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/reportflow/internal/clock"
	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
)

const (
	keyPrefix = "reportflow:"
	// queueKey is the list the execution engine pops submissions from
	queueKey = keyPrefix + "executions:queue"
	// inflightKey holds executions the engine has picked up
	inflightKey = keyPrefix + "executions:inflight"
	// doneKey holds finished executions whose result has not been routed yet
	doneKey = keyPrefix + "executions:done"
	// DoneChannel carries the id of each execution as it finishes
	DoneChannel = keyPrefix + "executions:notify"
)

func executionKey(id string) string {
	return keyPrefix + "execution:" + id
}

// Execution is a request as seen by the engine side of the queue
type Execution struct {
	ID      string
	Request *Request
}

// RedisDispatcher queues executions in Redis for an external engine. The
// engine pops work with Next and reports with Complete; results are kept
// until a Listener routes them.
type RedisDispatcher struct {
	client *redis.Client
	codec  *Codec
	clock  clock.Clock
}

// NewRedisDispatcher creates a dispatcher writing requests in the codec's format
func NewRedisDispatcher(client *redis.Client, codec *Codec, clk clock.Clock) *RedisDispatcher {
	if codec == nil {
		codec = NewCodec(FormatProtobuf)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &RedisDispatcher{client: client, codec: codec, clock: clk}
}

// Submit queues a request and returns its execution id
func (d *RedisDispatcher) Submit(ctx context.Context, req *Request) (string, error) {
	payload, err := d.codec.Encode(req)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, executionKey(id), map[string]interface{}{
		"payload":      payload,
		"status":       string(StatusQueued),
		"owner_kind":   string(req.Owner.Kind),
		"owner_id":     req.Owner.ID,
		"submitted_at": strconv.FormatInt(d.clock.Now().UnixMilli(), 10),
	})
	pipe.LPush(ctx, queueKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to submit execution: %w", err)
	}
	return id, nil
}

// cancelScript resolves a cancellation against the current execution state.
// Queued work is cancelled in place; running work gets a flag the engine polls.
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status == 'queued' then
	redis.call('HSET', KEYS[1], 'status', 'cancelled', 'completed_at', ARGV[2])
	redis.call('LREM', KEYS[2], 0, ARGV[1])
	redis.call('SADD', KEYS[3], ARGV[1])
	redis.call('PUBLISH', ARGV[3], ARGV[1])
	return 1
end
if status == 'running' then
	redis.call('HSET', KEYS[1], 'cancel_requested', '1')
	return 1
end
return 0
`)

// Cancel stops a queued execution immediately or flags a running one
func (d *RedisDispatcher) Cancel(ctx context.Context, executionID string) (bool, error) {
	res, err := cancelScript.Run(ctx, d.client,
		[]string{executionKey(executionID), queueKey, doneKey},
		executionID, strconv.FormatInt(d.clock.Now().UnixMilli(), 10), DoneChannel,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to cancel execution %s: %w", executionID, err)
	}
	if res == -1 {
		return false, fmt.Errorf("execution %s: %w", executionID, apperrors.ErrNotFound)
	}
	return res == 1, nil
}

// nextScript pops the oldest queued execution that has not been cancelled
var nextScript = redis.NewScript(`
while true do
	local id = redis.call('RPOP', KEYS[1])
	if not id then
		return false
	end
	local key = ARGV[1] .. id
	if redis.call('HGET', key, 'status') == 'queued' then
		redis.call('HSET', key, 'status', 'running', 'started_at', ARGV[2])
		redis.call('SADD', KEYS[2], id)
		return {id, redis.call('HGET', key, 'payload')}
	end
end
`)

// Next hands the engine its next execution, or nil when the queue is empty
func (d *RedisDispatcher) Next(ctx context.Context) (*Execution, error) {
	res, err := nextScript.Run(ctx, d.client,
		[]string{queueKey, inflightKey},
		keyPrefix+"execution:", strconv.FormatInt(d.clock.Now().UnixMilli(), 10),
	).Slice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop execution: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected reply from execution queue: %v", res)
	}

	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	req, err := d.codec.Decode([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", id, err)
	}
	return &Execution{ID: id, Request: req}, nil
}

// CancelRequested reports whether Cancel was called on a running execution
func (d *RedisDispatcher) CancelRequested(ctx context.Context, executionID string) (bool, error) {
	v, err := d.client.HGet(ctx, executionKey(executionID), "cancel_requested").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read execution %s: %w", executionID, err)
	}
	return v == "1", nil
}

var completeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status == 'completed' or status == 'failed' or status == 'cancelled' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'row_count', ARGV[3], 'error_message', ARGV[4],
	'cost', ARGV[5], 'completed_at', ARGV[6])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('PUBLISH', ARGV[7], ARGV[1])
return 1
`)

// Complete records the terminal result of an execution and notifies
// listeners. Reporting an already finished execution is a no-op.
func (d *RedisDispatcher) Complete(ctx context.Context, result *Result) error {
	if !result.Status.IsTerminal() {
		return apperrors.NewValidationError("status", "%q is not a terminal status", result.Status)
	}
	completedAt := result.CompletedAt
	if completedAt.IsZero() {
		completedAt = d.clock.Now()
	}

	res, err := completeScript.Run(ctx, d.client,
		[]string{executionKey(result.ExecutionID), inflightKey, doneKey},
		result.ExecutionID, string(result.Status), result.RowCount, result.ErrorMessage,
		strconv.FormatFloat(result.Cost, 'f', -1, 64), strconv.FormatInt(completedAt.UnixMilli(), 10),
		DoneChannel,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete execution %s: %w", result.ExecutionID, err)
	}
	if res == -1 {
		return fmt.Errorf("execution %s: %w", result.ExecutionID, apperrors.ErrNotFound)
	}
	return nil
}

// GetResult returns the result of a finished execution, or nil while it is
// still queued or running
func (d *RedisDispatcher) GetResult(ctx context.Context, executionID string) (*Result, error) {
	data, err := d.client.HGetAll(ctx, executionKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("execution %s: %w", executionID, apperrors.ErrNotFound)
	}

	status := Status(data["status"])
	if !status.IsTerminal() {
		return nil, nil
	}

	result := &Result{
		ExecutionID:  executionID,
		Owner:        Owner{Kind: OwnerKind(data["owner_kind"]), ID: data["owner_id"]},
		Status:       status,
		ErrorMessage: data["error_message"],
	}
	result.RowCount, _ = strconv.ParseInt(data["row_count"], 10, 64)
	result.Cost, _ = strconv.ParseFloat(data["cost"], 64)
	if ms, err := strconv.ParseInt(data["completed_at"], 10, 64); err == nil {
		result.CompletedAt = time.UnixMilli(ms).UTC()
	}
	return result, nil
}

// Unrouted lists finished executions whose results have not been acknowledged
func (d *RedisDispatcher) Unrouted(ctx context.Context) ([]string, error) {
	ids, err := d.client.SMembers(ctx, doneKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list finished executions: %w", err)
	}
	return ids, nil
}

// Ack marks a result as routed to its owner
func (d *RedisDispatcher) Ack(ctx context.Context, executionID string) error {
	if err := d.client.SRem(ctx, doneKey, executionID).Err(); err != nil {
		return fmt.Errorf("failed to ack execution %s: %w", executionID, err)
	}
	return nil
}

// QueueDepth returns the number of executions waiting for the engine
func (d *RedisDispatcher) QueueDepth(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, queueKey).Result()
}
