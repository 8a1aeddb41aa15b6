package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/report"
)

const keyPrefix = "reportflow:"

// activeCollectionsKey holds collections that still have work for the worker pool
const activeCollectionsKey = keyPrefix + "backfills:active"

func collectionKey(id string) string {
	return keyPrefix + "backfill:" + id
}

// collectionSegmentsKey orders a collection's segment ids by segment_index
func collectionSegmentsKey(id string) string {
	return keyPrefix + "backfill:" + id + ":segments"
}

func segmentKey(id string) string {
	return keyPrefix + "segment:" + id
}

// supersededKey holds the execution ids of a segment's earlier attempts
func supersededKey(id string) string {
	return keyPrefix + "segment:" + id + ":superseded"
}

// Store persists collections and segments in Redis
type Store struct {
	client *redis.Client
}

// NewStore creates a backfill store over an existing client
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Create writes a collection and all of its segments in one MULTI/EXEC.
// Either everything is visible afterwards or nothing is.
func (s *Store) Create(ctx context.Context, c *report.BackfillCollection, segments []*report.Segment) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, collectionKey(c.ID), map[string]interface{}{
		"id":                 c.ID,
		"report_id":          c.ReportID,
		"instance_id":        c.InstanceID,
		"segment_type":       string(c.SegmentType),
		"lookback_days":      c.LookbackDays,
		"end_date":           formatMillis(c.EndDate),
		"parameters":         string(c.Parameters),
		"total_segments":     c.TotalSegments,
		"completed_segments": 0,
		"failed_segments":    0,
		"status":             string(c.Status),
		"created_at":         formatMillis(c.CreatedAt),
		"updated_at":         formatMillis(c.UpdatedAt),
	})

	members := make([]redis.Z, 0, len(segments))
	for _, seg := range segments {
		pipe.HSet(ctx, segmentKey(seg.ID), map[string]interface{}{
			"id":            seg.ID,
			"collection_id": seg.CollectionID,
			"segment_index": seg.SegmentIndex,
			"start_date":    formatMillis(seg.StartDate),
			"end_date":      formatMillis(seg.EndDate),
			"status":        string(seg.Status),
			"execution_id":  "",
			"row_count":     0,
			"error_message": "",
			"attempts":      0,
			"updated_at":    formatMillis(seg.UpdatedAt),
		})
		members = append(members, redis.Z{Score: float64(seg.SegmentIndex), Member: seg.ID})
	}
	if len(members) > 0 {
		pipe.ZAdd(ctx, collectionSegmentsKey(c.ID), members...)
	}
	pipe.SAdd(ctx, activeCollectionsKey, c.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", c.ID, err)
	}
	return nil
}

// GetCollection loads a collection
func (s *Store) GetCollection(ctx context.Context, id string) (*report.BackfillCollection, error) {
	data, err := s.client.HGetAll(ctx, collectionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("collection %s: %w", id, apperrors.ErrNotFound)
	}
	return decodeCollection(data), nil
}

// GetSegment loads a segment
func (s *Store) GetSegment(ctx context.Context, id string) (*report.Segment, error) {
	data, err := s.client.HGetAll(ctx, segmentKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	return decodeSegment(data), nil
}

// Segments returns every segment of a collection in index order
func (s *Store) Segments(ctx context.Context, collectionID string) ([]*report.Segment, error) {
	ids, err := s.client.ZRange(ctx, collectionSegmentsKey(collectionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, segmentKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to load segments: %w", err)
		}
	}

	segments := make([]*report.Segment, 0, len(ids))
	for _, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			continue
		}
		segments = append(segments, decodeSegment(data))
	}
	return segments, nil
}

// ActiveCollections lists collections the worker pool should look at
func (s *Store) ActiveCollections(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, activeCollectionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active collections: %w", err)
	}
	return ids, nil
}

var claimSegmentScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'running', 'updated_at', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
return 1
`)

// ClaimSegment moves a segment from pending to running. Only one of any
// number of concurrent callers gets true.
func (s *Store) ClaimSegment(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := claimSegmentScript.Run(ctx, s.client, []string{segmentKey(id)}, formatMillis(now)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim segment %s: %w", id, err)
	}
	return res == 1, nil
}

// setExecutionScript returns 1 when linked and 2 when the segment was
// cancelled before the submission came back.
var setExecutionScript = redis.NewScript(`
local s = redis.call('HMGET', KEYS[1], 'status', 'execution_id')
if not s[1] or (s[2] and s[2] ~= '') then
	return 0
end
if s[1] == 'running' then
	redis.call('HSET', KEYS[1], 'execution_id', ARGV[1], 'updated_at', ARGV[2])
	return 1
end
if s[1] == 'cancelled' then
	redis.call('HSET', KEYS[1], 'execution_id', ARGV[1])
	return 2
end
return 0
`)

// SetExecution links a segment to the execution its claim submitted. A
// result that arrived first has already recorded the id. orphaned is true
// when the segment was cancelled while the submission was in flight, so
// nobody else will stop the execution.
func (s *Store) SetExecution(ctx context.Context, id, executionID string, now time.Time) (orphaned bool, err error) {
	res, err := setExecutionScript.Run(ctx, s.client, []string{segmentKey(id)}, executionID, formatMillis(now)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to link segment %s: %w", id, err)
	}
	return res == 2, nil
}

// resolveScript applies a terminal status to a running segment. Results
// for other executions, earlier attempts and repeats are ignored.
//
// KEYS: segment hash, superseded executions set
// ARGV: status, execution_id, row_count, error_message, now
var resolveScript = redis.NewScript(`
local s = redis.call('HMGET', KEYS[1], 'status', 'execution_id')
if not s[1] then
	return -1
end
if ARGV[2] ~= '' and redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
	return -2
end
if s[1] ~= 'running' then
	return 0
end
if ARGV[2] ~= '' and s[2] and s[2] ~= '' and s[2] ~= ARGV[2] then
	return -2
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'row_count', ARGV[3], 'error_message', ARGV[4], 'updated_at', ARGV[5])
if ARGV[2] ~= '' then
	redis.call('HSET', KEYS[1], 'execution_id', ARGV[2])
end
return 1
`)

// ErrStaleExecution is returned when a result belongs to an execution the
// segment no longer tracks
var ErrStaleExecution = errors.New("result from superseded execution")

// ResolveSegment moves a running segment to a terminal status. changed is
// false when the segment was not running.
func (s *Store) ResolveSegment(ctx context.Context, id string, status report.SegmentStatus, executionID string, rowCount int64, errMsg string, now time.Time) (bool, error) {
	res, err := resolveScript.Run(ctx, s.client, []string{segmentKey(id), supersededKey(id)},
		string(status), executionID, rowCount, errMsg, formatMillis(now),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to resolve segment %s: %w", id, err)
	}
	switch res {
	case -1:
		return false, fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	case -2:
		return false, ErrStaleExecution
	}
	return res == 1, nil
}

// requeueScript retires the failed attempt's execution id so a late
// delivery of its result cannot settle the next attempt.
var requeueScript = redis.NewScript(`
local s = redis.call('HMGET', KEYS[1], 'status', 'execution_id')
if not s[1] then
	return -1
end
if s[1] ~= 'failed' then
	return 0
end
if s[2] and s[2] ~= '' then
	redis.call('SADD', KEYS[2], s[2])
end
redis.call('HSET', KEYS[1], 'status', 'pending', 'execution_id', '', 'error_message', '', 'row_count', 0, 'updated_at', ARGV[1])
return 1
`)

// RequeueSegment applies the failed -> pending transition
func (s *Store) RequeueSegment(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := requeueScript.Run(ctx, s.client, []string{segmentKey(id), supersededKey(id)}, formatMillis(now)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to requeue segment %s: %w", id, err)
	}
	if res == -1 {
		return false, fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	return res == 1, nil
}

var cancelSegmentScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status ~= 'pending' and status ~= 'running' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'cancelled', 'error_message', ARGV[2], 'updated_at', ARGV[1])
return 1
`)

// CancelSegment marks a pending or running segment cancelled
func (s *Store) CancelSegment(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	res, err := cancelSegmentScript.Run(ctx, s.client, []string{segmentKey(id)}, formatMillis(now), reason).Int()
	if err != nil {
		return false, fmt.Errorf("failed to cancel segment %s: %w", id, err)
	}
	if res == -1 {
		return false, fmt.Errorf("segment %s: %w", id, apperrors.ErrNotFound)
	}
	return res == 1, nil
}

// recountScript recomputes collection progress from the segments
// themselves. The segment hashes are read by id rather than declared,
// which requires a non-clustered Redis.
//
// ARGV: segment key prefix, now, collection id
var recountScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
local ids = redis.call('ZRANGE', KEYS[2], 0, -1)
local counts = {pending = 0, running = 0, completed = 0, failed = 0, cancelled = 0}
for _, id in ipairs(ids) do
	local st = redis.call('HGET', ARGV[1] .. id, 'status')
	if st and counts[st] ~= nil then
		counts[st] = counts[st] + 1
	end
end
local total = #ids
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'cancelled' then
	if total > 0 and counts.completed == total then
		status = 'completed'
	else
		status = 'pending'
	end
end
redis.call('HSET', KEYS[1], 'total_segments', total, 'completed_segments', counts.completed,
	'failed_segments', counts.failed, 'status', status, 'updated_at', ARGV[2])
if status == 'pending' and (counts.pending > 0 or counts.running > 0) then
	redis.call('SADD', KEYS[3], ARGV[3])
else
	redis.call('SREM', KEYS[3], ARGV[3])
end
return {total, counts.completed, counts.failed, counts.pending, counts.running, counts.cancelled, status}
`)

// Recount recomputes and stores a collection's progress. Running it any
// number of times gives the same answer for the same segment states.
func (s *Store) Recount(ctx context.Context, collectionID string, now time.Time) (*report.Progress, error) {
	res, err := recountScript.Run(ctx, s.client,
		[]string{collectionKey(collectionID), collectionSegmentsKey(collectionID), activeCollectionsKey},
		keyPrefix+"segment:", formatMillis(now), collectionID,
	).Slice()
	if err == redis.Nil {
		return nil, fmt.Errorf("collection %s: %w", collectionID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to recount collection %s: %w", collectionID, err)
	}
	if len(res) != 7 {
		return nil, fmt.Errorf("unexpected recount reply: %v", res)
	}

	n := func(v interface{}) int {
		i, _ := v.(int64)
		return int(i)
	}
	status, _ := res[6].(string)
	return &report.Progress{
		CollectionID:      collectionID,
		TotalSegments:     n(res[0]),
		CompletedSegments: n(res[1]),
		FailedSegments:    n(res[2]),
		PendingSegments:   n(res[3]),
		RunningSegments:   n(res[4]),
		CancelledSegments: n(res[5]),
		Status:            report.CollectionStatus(status),
	}, nil
}

// MarkCollectionCancelled flags a collection so recounts keep it cancelled
func (s *Store) MarkCollectionCancelled(ctx context.Context, id string, now time.Time) error {
	exists, err := s.client.Exists(ctx, collectionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to cancel collection %s: %w", id, err)
	}
	if exists == 0 {
		return fmt.Errorf("collection %s: %w", id, apperrors.ErrNotFound)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, collectionKey(id), "status", string(report.CollectionStatusCancelled), "updated_at", formatMillis(now))
	pipe.SRem(ctx, activeCollectionsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cancel collection %s: %w", id, err)
	}
	return nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UTC().UnixMilli(), 10)
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func decodeCollection(data map[string]string) *report.BackfillCollection {
	c := &report.BackfillCollection{
		ID:                data["id"],
		ReportID:          data["report_id"],
		InstanceID:        data["instance_id"],
		SegmentType:       report.SegmentType(data["segment_type"]),
		LookbackDays:      atoi(data["lookback_days"]),
		EndDate:           parseMillis(data["end_date"]),
		TotalSegments:     atoi(data["total_segments"]),
		CompletedSegments: atoi(data["completed_segments"]),
		FailedSegments:    atoi(data["failed_segments"]),
		Status:            report.CollectionStatus(data["status"]),
		CreatedAt:         parseMillis(data["created_at"]),
		UpdatedAt:         parseMillis(data["updated_at"]),
	}
	if p := data["parameters"]; p != "" {
		c.Parameters = json.RawMessage(p)
	}
	return c
}

func decodeSegment(data map[string]string) *report.Segment {
	rows, _ := strconv.ParseInt(data["row_count"], 10, 64)
	return &report.Segment{
		ID:           data["id"],
		CollectionID: data["collection_id"],
		SegmentIndex: atoi(data["segment_index"]),
		StartDate:    parseMillis(data["start_date"]),
		EndDate:      parseMillis(data["end_date"]),
		Status:       report.SegmentStatus(data["status"]),
		ExecutionID:  data["execution_id"],
		RowCount:     rows,
		ErrorMessage: data["error_message"],
		Attempts:     atoi(data["attempts"]),
		UpdatedAt:    parseMillis(data["updated_at"]),
	}
}
