package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/bitrix"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/repositories"
)

// maxResponseSnapshot bounds the CRM response stored per completed
// dispatch.
const maxResponseSnapshot = 4096

// Dispatcher drains pending update intents and pushes them into the CRM.
// Transient failures reschedule with exponential backoff while the retry
// budget lasts; permanent failures and exhausted budgets are final until an
// operator re-queues them.
type Dispatcher struct {
	logs    repositories.ReverseSyncLogRepository
	history repositories.SyncHistoryRepository
	configs repositories.SyncConfigRepository
	client  bitrix.Caller
	logger  *zap.Logger

	pollInterval   time.Duration
	fanOut         int
	batchSize      int
	sendTimeout    time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	logs repositories.ReverseSyncLogRepository,
	history repositories.SyncHistoryRepository,
	configs repositories.SyncConfigRepository,
	client bitrix.Caller,
	pollInterval time.Duration,
	fanOut, batchSize int,
	sendTimeout, initialBackoff, maxBackoff time.Duration,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		logs:           logs,
		history:        history,
		configs:        configs,
		client:         client,
		logger:         logger.Named("dispatcher"),
		pollInterval:   pollInterval,
		fanOut:         fanOut,
		batchSize:      batchSize,
		sendTimeout:    sendTimeout,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}
}

// Run polls for dispatchable rows until ctx is cancelled. In-flight sends
// finish; the next poll never starts.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchPending(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("dispatch poll failed", zap.Error(err))
			}
		}
	}
}

// DispatchPending claims one batch of due rows and sends them with bounded
// fan-out. Returns how many rows were claimed.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	rows, err := d.logs.ClaimDue(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// Rows of the same config go out sequentially in claim order so the
	// CRM sees a config's updates in receipt order; distinct configs fan
	// out in parallel.
	byConfig := make(map[uuid.UUID][]*models.ReverseSyncLog)
	var order []uuid.UUID
	for _, row := range rows {
		if _, ok := byConfig[row.ConfigID]; !ok {
			order = append(order, row.ConfigID)
		}
		byConfig[row.ConfigID] = append(byConfig[row.ConfigID], row)
	}

	group := new(errgroup.Group)
	group.SetLimit(d.fanOut)
	for _, configID := range order {
		batch := byConfig[configID]
		group.Go(func() error {
			for _, row := range batch {
				d.send(ctx, row)
			}
			return nil
		})
	}
	_ = group.Wait()

	return len(rows), nil
}

// RetryFailed re-queues every failed intent of a config with a fresh retry
// budget. Explicit operator action.
func (d *Dispatcher) RetryFailed(ctx context.Context, configID uuid.UUID) (int, error) {
	n, err := d.logs.RequeueFailed(ctx, configID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Info("failed syncs re-queued",
			zap.String("config_id", configID.String()), zap.Int("count", n))
	}
	return n, nil
}

// send pushes one claimed intent and records the outcome.
func (d *Dispatcher) send(ctx context.Context, row *models.ReverseSyncLog) {
	if ctx.Err() != nil {
		// Shutdown before the send happened: return the claim untouched.
		if err := d.logs.Release(context.WithoutCancel(ctx), row.ID); err != nil {
			d.logger.Warn("failed to release claimed sync",
				zap.String("id", row.ID.String()), zap.Error(err))
		}
		return
	}

	adapter, err := bitrix.ForEntity(row.EntityType)
	if err != nil {
		d.finish(ctx, row, "", err)
		return
	}

	fields := make(map[string]string, len(row.ChangedFields))
	for field, change := range row.ChangedFields {
		fields[field] = change.New
	}

	callCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	res, err := d.client.Call(callCtx, adapter.UpdateMethod, adapter.UpdateParams(row.EntityID, fields))

	if err != nil && ctx.Err() != nil {
		// The call died because of shutdown, not the portal.
		if relErr := d.logs.Release(context.WithoutCancel(ctx), row.ID); relErr != nil {
			d.logger.Warn("failed to release claimed sync",
				zap.String("id", row.ID.String()), zap.Error(relErr))
		}
		return
	}

	snapshot := ""
	if err == nil {
		snapshot = string(res.Result)
		if len(snapshot) > maxResponseSnapshot {
			snapshot = snapshot[:maxResponseSnapshot]
		}
	}
	d.finish(ctx, row, snapshot, err)
}

// finish applies the terminal or retry transition for one attempt. The
// outcome of a completed send is recorded even when shutdown started while
// the call was in flight.
func (d *Dispatcher) finish(ctx context.Context, row *models.ReverseSyncLog, snapshot string, cause error) {
	ctx = context.WithoutCancel(ctx)
	switch {
	case cause == nil:
		if err := d.logs.MarkCompleted(ctx, row.ID, snapshot); err != nil {
			d.logger.Error("failed to mark sync completed",
				zap.String("id", row.ID.String()), zap.Error(err))
			return
		}
		d.appendHistory(ctx, row, models.SyncStatusCompleted, "")
		if err := d.configs.RecordSuccess(ctx, row.ConfigID, time.Now()); err != nil {
			d.logger.Warn("failed to record config success",
				zap.String("config_id", row.ConfigID.String()), zap.Error(err))
		}
		d.logger.Info("update dispatched",
			zap.String("id", row.ID.String()),
			zap.String("entity_type", row.EntityType),
			zap.String("entity_id", row.EntityID),
			zap.Int("retry_count", row.RetryCount))

	case bitrix.IsRetryable(cause) && row.CanRetry():
		attempt := row.RetryCount + 1
		next := time.Now().Add(d.backoff(row.RetryCount))
		if err := d.logs.MarkRetrying(ctx, row.ID, attempt, next, cause.Error()); err != nil {
			d.logger.Error("failed to schedule retry",
				zap.String("id", row.ID.String()), zap.Error(err))
			return
		}
		d.logger.Warn("transient dispatch failure",
			zap.String("id", row.ID.String()),
			zap.Int("attempt", attempt),
			zap.Time("next_attempt_at", next),
			zap.Error(cause))

	default:
		if err := d.logs.MarkFailed(ctx, row.ID, cause.Error()); err != nil {
			d.logger.Error("failed to mark sync failed",
				zap.String("id", row.ID.String()), zap.Error(err))
			return
		}
		d.appendHistory(ctx, row, models.SyncStatusFailed, cause.Error())
		disabled, recErr := d.configs.RecordFailure(ctx, row.ConfigID, cause.Error())
		if recErr != nil {
			d.logger.Warn("failed to record config failure",
				zap.String("config_id", row.ConfigID.String()), zap.Error(recErr))
		} else if disabled {
			d.logger.Warn("config disabled after persistent failures",
				zap.String("config_id", row.ConfigID.String()))
		}
		d.logger.Error("dispatch failed permanently",
			zap.String("id", row.ID.String()),
			zap.String("entity_type", row.EntityType),
			zap.String("entity_id", row.EntityID),
			zap.Int("retry_count", row.RetryCount),
			zap.Error(cause))
	}
}

func (d *Dispatcher) appendHistory(ctx context.Context, row *models.ReverseSyncLog, outcome, detail string) {
	entry := map[string]any{
		"id":          row.ID,
		"config_id":   row.ConfigID,
		"entity_type": row.EntityType,
		"entity_id":   row.EntityID,
		"outcome":     outcome,
		"retry_count": row.RetryCount,
	}
	if detail != "" {
		entry["error"] = detail
	}
	if err := d.history.Append(ctx, models.HistoryDispatch, entry); err != nil {
		d.logger.Warn("failed to record dispatch outcome", zap.Error(err))
	}
}

// backoff doubles per prior attempt, capped at the configured maximum.
func (d *Dispatcher) backoff(retryCount int) time.Duration {
	delay := d.initialBackoff
	for i := 0; i < retryCount && delay < d.maxBackoff; i++ {
		delay *= 2
	}
	if delay > d.maxBackoff {
		delay = d.maxBackoff
	}
	return delay
}
