package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/bitrix"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/repositories"
)

// CycleResult summarizes one completed pull cycle for an entity type.
type CycleResult struct {
	EntityType string    `json:"entity_type"`
	Pages      int       `json:"pages"`
	Fetched    int       `json:"fetched"`
	Upserted   int       `json:"upserted"`
	Watermark  time.Time `json:"watermark"`
	Advanced   bool      `json:"advanced"`
	Duration   string    `json:"duration"`
}

// PullScheduler drives incremental CRM-to-mirror pulls: per entity type it
// pages through records modified since the stored watermark, upserts them by
// fingerprint and advances the watermark only after the whole cycle
// succeeded. At most one cycle per entity type runs at a time.
type PullScheduler struct {
	client     bitrix.Caller
	records    repositories.CRMRecordRepository
	watermarks repositories.WatermarkRepository
	history    repositories.SyncHistoryRepository
	interval    time.Duration
	concurrency int
	logger      *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewPullScheduler creates a PullScheduler. concurrency bounds how many
// entity types sync in parallel during a full cycle.
func NewPullScheduler(
	client bitrix.Caller,
	records repositories.CRMRecordRepository,
	watermarks repositories.WatermarkRepository,
	history repositories.SyncHistoryRepository,
	interval time.Duration,
	concurrency int,
	logger *zap.Logger,
) *PullScheduler {
	return &PullScheduler{
		client:      client,
		records:     records,
		watermarks:  watermarks,
		history:     history,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger.Named("scheduler"),
		inFlight:    make(map[string]bool),
	}
}

// Run executes full cycles on the configured interval until ctx is
// cancelled. The first cycle starts immediately.
func (s *PullScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SyncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll runs one cycle per registered entity type with bounded
// parallelism. A failing entity never blocks the others; the first error is
// returned after all cycles finish.
func (s *PullScheduler) SyncAll(ctx context.Context) error {
	group := new(errgroup.Group)
	group.SetLimit(s.concurrency)
	for _, entityType := range bitrix.EntityTypes() {
		entityType := entityType
		group.Go(func() error {
			_, err := s.SyncEntity(ctx, entityType)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("pull cycle failed",
					zap.String("entity_type", entityType), zap.Error(err))
			}
			return err
		})
	}
	return group.Wait()
}

// SyncEntity runs one pull cycle for a single entity type. A cycle already
// in flight for the same type returns ErrSyncInFlight instead of queueing.
func (s *PullScheduler) SyncEntity(ctx context.Context, entityType string) (*CycleResult, error) {
	adapter, err := bitrix.ForEntity(entityType)
	if err != nil {
		return nil, err
	}

	if !s.acquire(entityType) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSyncInFlight, entityType)
	}
	defer s.release(entityType)

	start := time.Now()
	state, err := s.watermarks.Get(ctx, entityType)
	if err != nil {
		return nil, err
	}

	result := &CycleResult{EntityType: entityType, Watermark: state.Watermark}
	maxModified := state.Watermark
	offset := 0

	for {
		// Cooperative cancellation between pages. A cancelled cycle leaves
		// the watermark untouched; the next cycle re-reads the tail.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		res, err := s.client.Call(ctx, adapter.ListMethod, adapter.ListParams(state.Watermark, offset))
		if err != nil {
			return nil, s.failCycle(ctx, entityType, offset, err)
		}

		records, err := adapter.Normalize(res.Result)
		if err != nil {
			return nil, s.failCycle(ctx, entityType, offset, err)
		}

		for _, rec := range records {
			changed, err := s.records.Upsert(ctx, entityType, rec.ID, rec.Fields, rec.Fingerprint(), rec.ModifiedAt)
			if err != nil {
				return nil, s.failCycle(ctx, entityType, offset, err)
			}
			if changed {
				result.Upserted++
			}
			if rec.ModifiedAt.After(maxModified) {
				maxModified = rec.ModifiedAt
			}
		}

		result.Fetched += len(records)
		result.Pages++

		if res.Next == nil {
			break
		}
		offset = *res.Next
	}

	if state.ShouldAdvance(maxModified) {
		advanced, err := s.watermarks.Advance(ctx, entityType, maxModified, offset)
		if err != nil {
			return nil, s.failCycle(ctx, entityType, offset, err)
		}
		result.Advanced = advanced
		result.Watermark = maxModified
	}
	result.Duration = time.Since(start).String()

	if err := s.history.Append(ctx, models.HistoryPullCycle, result); err != nil {
		s.logger.Warn("failed to record pull cycle", zap.Error(err))
	}
	s.logger.Info("pull cycle completed",
		zap.String("entity_type", entityType),
		zap.Int("pages", result.Pages),
		zap.Int("fetched", result.Fetched),
		zap.Int("upserted", result.Upserted),
		zap.Time("watermark", result.Watermark),
		zap.Bool("advanced", result.Advanced))

	return result, nil
}

// failCycle records a failed cycle in the history trail and returns the
// original error. The watermark is deliberately not advanced.
func (s *PullScheduler) failCycle(ctx context.Context, entityType string, offset int, cause error) error {
	entry := map[string]any{
		"entity_type": entityType,
		"offset":      offset,
		"error":       cause.Error(),
	}
	if err := s.history.Append(ctx, models.HistoryPullError, entry); err != nil {
		s.logger.Warn("failed to record pull error", zap.Error(err))
	}
	return fmt.Errorf("pull cycle for %s failed at offset %d: %w", entityType, offset, cause)
}

func (s *PullScheduler) acquire(entityType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[entityType] {
		return false
	}
	s.inFlight[entityType] = true
	return true
}

func (s *PullScheduler) release(entityType string) {
	s.mu.Lock()
	delete(s.inFlight, entityType)
	s.mu.Unlock()
}
