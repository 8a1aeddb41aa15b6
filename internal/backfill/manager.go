package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/muaviaUsmani/reportflow/internal/clock"
	"github.com/muaviaUsmani/reportflow/internal/dispatch"
	apperrors "github.com/muaviaUsmani/reportflow/internal/errors"
	"github.com/muaviaUsmani/reportflow/internal/logger"
	"github.com/muaviaUsmani/reportflow/internal/metrics"
	"github.com/muaviaUsmani/reportflow/internal/report"
)

// Config holds the business limits applied to every collection
type Config struct {
	// DataLagDays is how far behind now data becomes queryable
	DataLagDays int
	// MaxLookbackDays caps a request; values above MaxLookbackDays are lowered to it
	MaxLookbackDays int
}

// CollectionConfig describes one backfill request
type CollectionConfig struct {
	ReportID     string
	SegmentType  report.SegmentType
	LookbackDays int
	// EndDate defaults to now when zero
	EndDate    time.Time
	Parameters json.RawMessage
}

// Manager creates backfill collections and moves their segments through
// dispatch and completion
type Manager struct {
	store      *Store
	lookup     report.Lookup
	dispatcher dispatch.Dispatcher
	clock      clock.Clock
	config     Config
	metrics    *metrics.Collector
	log        logger.Logger
}

// NewManager creates a collection manager
func NewManager(store *Store, lookup report.Lookup, dispatcher dispatch.Dispatcher, clk clock.Clock, config Config) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if config.MaxLookbackDays <= 0 || config.MaxLookbackDays > MaxLookbackDays {
		config.MaxLookbackDays = MaxLookbackDays
	}
	return &Manager{
		store:      store,
		lookup:     lookup,
		dispatcher: dispatcher,
		clock:      clk,
		config:     config,
		metrics:    metrics.Default(),
		log:        logger.Default().WithComponent(logger.ComponentBackfill),
	}
}

// SetMetrics replaces the metrics collector (for testing)
func (m *Manager) SetMetrics(c *metrics.Collector) {
	m.metrics = c
}

// Create validates the request, plans its segments and persists the
// collection with every segment in one batch. Nothing is dispatched here;
// workers pull pending segments.
func (m *Manager) Create(ctx context.Context, cfg CollectionConfig) (*report.BackfillCollection, []*report.Segment, error) {
	if strings.TrimSpace(cfg.ReportID) == "" {
		return nil, nil, apperrors.NewValidationError("report_id", "cannot be empty")
	}
	if cfg.LookbackDays > m.config.MaxLookbackDays {
		return nil, nil, apperrors.NewValidationError("lookback_days", "must not exceed %d, got %d", m.config.MaxLookbackDays, cfg.LookbackDays)
	}
	if err := report.ValidateParameters("parameters", cfg.Parameters); err != nil {
		return nil, nil, err
	}

	now := m.clock.Now()
	ranges, err := Plan(now, cfg.EndDate, cfg.LookbackDays, cfg.SegmentType, m.config.DataLagDays)
	if err != nil {
		return nil, nil, err
	}

	def, err := m.lookup.GetReport(ctx, cfg.ReportID)
	if err != nil {
		return nil, nil, err
	}

	c := &report.BackfillCollection{
		ID:            uuid.New().String(),
		ReportID:      cfg.ReportID,
		InstanceID:    def.InstanceID,
		SegmentType:   cfg.SegmentType,
		LookbackDays:  cfg.LookbackDays,
		EndDate:       ClampEnd(now, cfg.EndDate, m.config.DataLagDays),
		Parameters:    cfg.Parameters,
		TotalSegments: len(ranges),
		Status:        report.CollectionStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	segments := make([]*report.Segment, len(ranges))
	for i, r := range ranges {
		segments[i] = &report.Segment{
			ID:           uuid.New().String(),
			CollectionID: c.ID,
			SegmentIndex: r.Index,
			StartDate:    r.Start,
			EndDate:      r.End,
			Status:       report.SegmentStatusPending,
			UpdatedAt:    now,
		}
	}

	if err := m.store.Create(ctx, c, segments); err != nil {
		return nil, nil, err
	}
	m.log.Info("Backfill collection created",
		"collection_id", c.ID,
		"report_id", c.ReportID,
		"segment_type", c.SegmentType,
		"segments", len(segments),
		"start_date", segments[0].StartDate.Format(time.DateOnly),
		"end_date", c.EndDate.Format(time.DateOnly))
	return c, segments, nil
}

// CreateBackfill creates a collection covering startDate up to endDate
// (clamped by the data lag). The lookback is the number of days from
// startDate to the clamped end.
func (m *Manager) CreateBackfill(ctx context.Context, reportID string, startDate, endDate time.Time, segmentType report.SegmentType, parameters json.RawMessage) (*report.BackfillCollection, []*report.Segment, error) {
	now := m.clock.Now()
	end := ClampEnd(now, endDate, m.config.DataLagDays)
	lookback := daysBetween(startDate, end)
	if lookback <= 0 {
		return nil, nil, apperrors.NewValidationError("start_date",
			"%s is not before the latest available date %s", startDate.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	return m.Create(ctx, CollectionConfig{
		ReportID:     reportID,
		SegmentType:  segmentType,
		LookbackDays: lookback,
		EndDate:      end,
		Parameters:   parameters,
	})
}

// GetCollection returns a collection
func (m *Manager) GetCollection(ctx context.Context, id string) (*report.BackfillCollection, error) {
	return m.store.GetCollection(ctx, id)
}

// ActiveCollections returns the ids of collections with work left to dispatch
func (m *Manager) ActiveCollections(ctx context.Context) ([]string, error) {
	return m.store.ActiveCollections(ctx)
}

// GetPendingSegments returns up to limit pending segments in index order
func (m *Manager) GetPendingSegments(ctx context.Context, collectionID string, limit int) ([]*report.Segment, error) {
	all, err := m.store.Segments(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	var pending []*report.Segment
	for _, seg := range all {
		if seg.Status != report.SegmentStatusPending {
			continue
		}
		pending = append(pending, seg)
		if limit > 0 && len(pending) == limit {
			break
		}
	}
	return pending, nil
}

// ListSegments returns every segment with its status and error message
func (m *Manager) ListSegments(ctx context.Context, collectionID string) ([]*report.Segment, error) {
	if _, err := m.store.GetCollection(ctx, collectionID); err != nil {
		return nil, err
	}
	return m.store.Segments(ctx, collectionID)
}

// GetBackfillProgress recounts and returns collection progress
func (m *Manager) GetBackfillProgress(ctx context.Context, collectionID string) (*report.Progress, error) {
	return m.store.Recount(ctx, collectionID, m.clock.Now())
}

// DispatchSegment claims a pending segment and submits it. It returns
// false when another worker claimed it first. Submission failures mark the
// segment failed so it can be requeued.
func (m *Manager) DispatchSegment(ctx context.Context, seg *report.Segment) (bool, error) {
	claimed, err := m.store.ClaimSegment(ctx, seg.ID, m.clock.Now())
	if err != nil || !claimed {
		return false, err
	}

	log := m.log.WithFields(map[string]interface{}{
		"collection_id": seg.CollectionID,
		"segment_id":    seg.ID,
		"segment_index": seg.SegmentIndex,
	})

	c, err := m.store.GetCollection(ctx, seg.CollectionID)
	if err != nil {
		// release the claim so the segment can be retried
		if _, ferr := m.resolve(ctx, seg.ID, seg.CollectionID, report.SegmentStatusFailed, "", 0, err.Error()); ferr != nil {
			log.Warn("Failed to release segment", "error", ferr)
		}
		return true, err
	}
	if c.Status == report.CollectionStatusCancelled {
		if _, err := m.store.CancelSegment(ctx, seg.ID, "collection cancelled", m.clock.Now()); err != nil {
			return true, err
		}
		log.Debug("Collection cancelled, segment not dispatched")
		return true, nil
	}

	executionID, err := m.submit(ctx, c, seg)
	if err != nil {
		m.metrics.RecordDispatchFailure()
		log.Error("Segment dispatch failed", "error", err)
		if _, ferr := m.resolve(ctx, seg.ID, seg.CollectionID, report.SegmentStatusFailed, "", 0, err.Error()); ferr != nil {
			return true, fmt.Errorf("failed to record dispatch failure: %w", ferr)
		}
		return true, nil
	}

	orphaned, err := m.store.SetExecution(ctx, seg.ID, executionID, m.clock.Now())
	if err != nil {
		log.Warn("Failed to link segment to execution", "execution_id", executionID, "error", err)
	}
	if orphaned {
		log.Info("Segment cancelled during submission, stopping execution", "execution_id", executionID)
		m.stopExecution(ctx, log, executionID)
		return true, nil
	}
	log.Info("Segment dispatched",
		"execution_id", executionID,
		"start_date", seg.StartDate.Format(time.DateOnly),
		"end_date", seg.EndDate.Format(time.DateOnly))
	return true, nil
}

func (m *Manager) submit(ctx context.Context, c *report.BackfillCollection, seg *report.Segment) (string, error) {
	def, err := m.lookup.GetReport(ctx, c.ReportID)
	if err != nil {
		return "", &apperrors.DispatchError{Err: err}
	}
	params, err := report.MergeParameters(def.Parameters, c.Parameters)
	if err != nil {
		return "", &apperrors.DispatchError{Err: err}
	}

	instanceID := c.InstanceID
	if instanceID == "" {
		instanceID = def.InstanceID
	}
	id, err := m.dispatcher.Submit(ctx, &dispatch.Request{
		Query:       def.QueryTemplate,
		InstanceID:  instanceID,
		WindowStart: seg.StartDate,
		WindowEnd:   seg.EndDate,
		Parameters:  params,
		Owner:       dispatch.Owner{Kind: dispatch.OwnerSegment, ID: seg.ID},
	})
	if err != nil {
		return "", &apperrors.DispatchError{Err: err}
	}
	return id, nil
}

// OnSegmentCompleted records a segment's terminal status and recounts its
// collection. Repeated or stale notifications leave progress unchanged.
func (m *Manager) OnSegmentCompleted(ctx context.Context, segmentID string, status report.SegmentStatus, executionID string, rowCount int64, errMsg string) (*report.Progress, error) {
	if !status.IsTerminal() {
		return nil, apperrors.NewValidationError("status", "%q is not a terminal segment status", status)
	}
	seg, err := m.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	return m.resolve(ctx, segmentID, seg.CollectionID, status, executionID, rowCount, errMsg)
}

func (m *Manager) resolve(ctx context.Context, segmentID, collectionID string, status report.SegmentStatus, executionID string, rowCount int64, errMsg string) (*report.Progress, error) {
	if status == report.SegmentStatusFailed && errMsg == "" {
		errMsg = "segment failed without an error message"
	}
	now := m.clock.Now()

	changed, err := m.store.ResolveSegment(ctx, segmentID, status, executionID, rowCount, errMsg, now)
	if errors.Is(err, ErrStaleExecution) {
		m.log.Warn("Ignoring result from superseded execution",
			"collection_id", collectionID,
			"segment_id", segmentID,
			"execution_id", executionID)
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if changed {
		m.metrics.RecordSegmentStatus(string(status))
	}

	progress, err := m.store.Recount(ctx, collectionID, now)
	if err != nil {
		return nil, err
	}
	if changed {
		m.log.Info("Segment finished",
			"collection_id", collectionID,
			"segment_id", segmentID,
			"status", status,
			"rows", rowCount,
			"completed", progress.CompletedSegments,
			"total", progress.TotalSegments)
		if progress.Status == report.CollectionStatusCompleted {
			m.log.Info("Backfill collection completed", "collection_id", collectionID)
		}
	}
	return progress, nil
}

// HandleSegmentResult adapts an execution result for OnSegmentCompleted
func (m *Manager) HandleSegmentResult(ctx context.Context, result *dispatch.Result) error {
	var status report.SegmentStatus
	switch result.Status {
	case dispatch.StatusCompleted:
		status = report.SegmentStatusCompleted
	case dispatch.StatusFailed:
		status = report.SegmentStatusFailed
	case dispatch.StatusCancelled:
		status = report.SegmentStatusCancelled
	default:
		return fmt.Errorf("execution %s reported non-terminal status %s", result.ExecutionID, result.Status)
	}

	_, err := m.OnSegmentCompleted(ctx, result.Owner.ID, status, result.ExecutionID, result.RowCount, result.ErrorMessage)
	if errors.Is(err, apperrors.ErrNotFound) {
		m.log.Warn("Result for unknown segment", "segment_id", result.Owner.ID, "execution_id", result.ExecutionID)
		return nil
	}
	return err
}

// RetrySegment moves a failed segment back to pending for the workers
func (m *Manager) RetrySegment(ctx context.Context, segmentID string) error {
	seg, err := m.store.GetSegment(ctx, segmentID)
	if err != nil {
		return err
	}
	c, err := m.store.GetCollection(ctx, seg.CollectionID)
	if err != nil {
		return err
	}
	if c.Status == report.CollectionStatusCancelled {
		return fmt.Errorf("collection %s is cancelled: %w", c.ID, apperrors.ErrInvalidTransition)
	}

	requeued, err := m.store.RequeueSegment(ctx, segmentID, m.clock.Now())
	if err != nil {
		return err
	}
	if !requeued {
		return fmt.Errorf("segment %s is %s, only failed segments can be retried: %w", segmentID, seg.Status, apperrors.ErrInvalidTransition)
	}
	if _, err := m.store.Recount(ctx, seg.CollectionID, m.clock.Now()); err != nil {
		return err
	}
	m.log.Info("Segment requeued", "collection_id", seg.CollectionID, "segment_id", segmentID, "attempts", seg.Attempts)
	return nil
}

// RequeueFailed moves every failed segment of a collection back to pending
// and returns how many were requeued
func (m *Manager) RequeueFailed(ctx context.Context, collectionID string) (int, error) {
	c, err := m.store.GetCollection(ctx, collectionID)
	if err != nil {
		return 0, err
	}
	if c.Status == report.CollectionStatusCancelled {
		return 0, fmt.Errorf("collection %s is cancelled: %w", collectionID, apperrors.ErrInvalidTransition)
	}

	segments, err := m.store.Segments(ctx, collectionID)
	if err != nil {
		return 0, err
	}
	now := m.clock.Now()
	count := 0
	for _, seg := range segments {
		if seg.Status != report.SegmentStatusFailed {
			continue
		}
		ok, err := m.store.RequeueSegment(ctx, seg.ID, now)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	if _, err := m.store.Recount(ctx, collectionID, now); err != nil {
		return count, err
	}
	m.log.Info("Failed segments requeued", "collection_id", collectionID, "count", count)
	return count, nil
}

// CancelSegment cancels one segment. Pending segments are cancelled
// directly, dispatched ones through the engine; finished ones are left alone.
func (m *Manager) CancelSegment(ctx context.Context, segmentID string) (*report.Segment, error) {
	seg, err := m.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if err := m.cancelSegment(ctx, seg); err != nil {
		return nil, err
	}
	if _, err := m.store.Recount(ctx, seg.CollectionID, m.clock.Now()); err != nil {
		return nil, err
	}
	return m.store.GetSegment(ctx, segmentID)
}

func (m *Manager) cancelSegment(ctx context.Context, seg *report.Segment) error {
	if seg.Status.IsTerminal() {
		return nil
	}
	inFlight := seg.Status == report.SegmentStatusRunning && seg.ExecutionID == ""
	if seg.Status == report.SegmentStatusRunning && seg.ExecutionID != "" {
		cancelled, err := m.dispatcher.Cancel(ctx, seg.ExecutionID)
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("failed to cancel execution: %w", err)
		}
		if err == nil && !cancelled {
			// finished in the engine; its result decides the status
			return nil
		}
	}
	changed, err := m.store.CancelSegment(ctx, seg.ID, "cancelled by operator", m.clock.Now())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	m.metrics.RecordSegmentStatus(string(report.SegmentStatusCancelled))

	// A submission was in flight. If it linked before the cancel landed the
	// execution is ours to stop; otherwise DispatchSegment stops it.
	if inFlight {
		cur, err := m.store.GetSegment(ctx, seg.ID)
		if err != nil {
			return err
		}
		if cur.ExecutionID != "" {
			m.stopExecution(ctx, m.log.WithFields(map[string]interface{}{
				"collection_id": seg.CollectionID,
				"segment_id":    seg.ID,
			}), cur.ExecutionID)
		}
	}
	return nil
}

// stopExecution cancels an execution no segment is waiting on
func (m *Manager) stopExecution(ctx context.Context, log logger.Logger, executionID string) {
	if _, err := m.dispatcher.Cancel(ctx, executionID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		log.Warn("Failed to cancel orphaned execution", "execution_id", executionID, "error", err)
	}
}

// CancelCollection stops a collection: no further segments are dispatched
// and every unfinished segment is cancelled
func (m *Manager) CancelCollection(ctx context.Context, collectionID string) (*report.Progress, error) {
	now := m.clock.Now()
	if err := m.store.MarkCollectionCancelled(ctx, collectionID, now); err != nil {
		return nil, err
	}
	segments, err := m.store.Segments(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		if err := m.cancelSegment(ctx, seg); err != nil {
			m.log.Warn("Failed to cancel segment", "collection_id", collectionID, "segment_id", seg.ID, "error", err)
		}
	}
	m.log.Info("Backfill collection cancelled", "collection_id", collectionID)
	return m.store.Recount(ctx, collectionID, now)
}
