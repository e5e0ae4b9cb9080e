package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/database"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
)

// ReverseSyncLogRepository provides data access for outbound update intents.
type ReverseSyncLogRepository interface {
	Create(ctx context.Context, l *models.ReverseSyncLog) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ReverseSyncLog, error)
	ListByConfig(ctx context.Context, configID uuid.UUID, status string, limit int) ([]*models.ReverseSyncLog, error)
	// ClaimDue atomically moves up to limit dispatchable rows (pending, or
	// retrying with a due next attempt) into syncing and returns them.
	// Concurrent dispatchers never claim the same row.
	ClaimDue(ctx context.Context, limit int) ([]*models.ReverseSyncLog, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, response string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorDetail string) error
	// MarkRetrying schedules the next automatic attempt. retryCount must
	// stay within the row's max_retries.
	MarkRetrying(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errorDetail string) error
	// Release returns a claimed row to its dispatchable state without
	// touching the retry counter. Used when a dispatch is cancelled before
	// the send happened.
	Release(ctx context.Context, id uuid.UUID) error
	// RequeueFailed re-queues all failed rows of a config back to pending
	// with a zeroed retry counter. Explicit operator action only.
	RequeueFailed(ctx context.Context, configID uuid.UUID) (int, error)
}

type reverseSyncLogRepository struct {
	db *database.DB
}

// NewReverseSyncLogRepository creates a new ReverseSyncLogRepository.
func NewReverseSyncLogRepository(db *database.DB) ReverseSyncLogRepository {
	return &reverseSyncLogRepository{db: db}
}

var _ ReverseSyncLogRepository = (*reverseSyncLogRepository)(nil)

func (r *reverseSyncLogRepository) Create(ctx context.Context, l *models.ReverseSyncLog) error {
	changes, err := json.Marshal(l.ChangedFields)
	if err != nil {
		return fmt.Errorf("failed to marshal changed fields: %w", err)
	}

	query := `
		INSERT INTO reverse_sync_logs (
			config_id, event_id, entity_type, entity_id, changed_fields,
			status, retry_count, max_retries, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, now())
		RETURNING id, created_at`

	err = r.db.QueryRow(ctx, query,
		l.ConfigID,
		l.EventID,
		l.EntityType,
		l.EntityID,
		changes,
		l.Status,
		l.MaxRetries,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create reverse sync log: %w", err)
	}

	return nil
}

func (r *reverseSyncLogRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ReverseSyncLog, error) {
	query := selectReverseSyncLog + ` WHERE id = $1`

	l, err := scanReverseSyncLog(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return l, nil
}

func (r *reverseSyncLogRepository) ListByConfig(ctx context.Context, configID uuid.UUID, status string, limit int) ([]*models.ReverseSyncLog, error) {
	query := selectReverseSyncLog + `
		WHERE config_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, configID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reverse sync logs: %w", err)
	}
	defer rows.Close()

	return collectReverseSyncLogs(rows)
}

func (r *reverseSyncLogRepository) ClaimDue(ctx context.Context, limit int) ([]*models.ReverseSyncLog, error) {
	// SKIP LOCKED keeps concurrent pollers from double-claiming; rows for
	// the same config are claimed in creation order.
	query := `
		UPDATE reverse_sync_logs
		SET status = 'syncing'
		WHERE id IN (
			SELECT id FROM reverse_sync_logs
			WHERE status = 'pending'
			   OR (status = 'retrying' AND next_attempt_at <= now())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, config_id, event_id, entity_type, entity_id, changed_fields,
		          status, retry_count, max_retries, response, error_detail,
		          next_attempt_at, created_at, synced_at, failed_at`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim reverse sync logs: %w", err)
	}
	defer rows.Close()

	return collectReverseSyncLogs(rows)
}

func (r *reverseSyncLogRepository) MarkCompleted(ctx context.Context, id uuid.UUID, response string) error {
	query := `
		UPDATE reverse_sync_logs
		SET status = 'completed', response = $2, error_detail = '',
		    next_attempt_at = NULL, synced_at = now()
		WHERE id = $1`

	return r.exec(ctx, query, id, response)
}

func (r *reverseSyncLogRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorDetail string) error {
	query := `
		UPDATE reverse_sync_logs
		SET status = 'failed', error_detail = $2, next_attempt_at = NULL,
		    failed_at = now()
		WHERE id = $1`

	return r.exec(ctx, query, id, errorDetail)
}

func (r *reverseSyncLogRepository) MarkRetrying(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errorDetail string) error {
	// retry_count <= max_retries is enforced here as well as by the
	// dispatcher; a violation indicates a logic bug, not a data race.
	query := `
		UPDATE reverse_sync_logs
		SET status = 'retrying', retry_count = $2, next_attempt_at = $3,
		    error_detail = $4
		WHERE id = $1 AND $2 <= max_retries`

	result, err := r.db.Exec(ctx, query, id, retryCount, nextAttemptAt, errorDetail)
	if err != nil {
		return fmt.Errorf("failed to mark reverse sync log retrying: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrConflict
	}
	return nil
}

func (r *reverseSyncLogRepository) Release(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE reverse_sync_logs
		SET status = CASE WHEN retry_count > 0 THEN 'retrying' ELSE 'pending' END,
		    next_attempt_at = CASE WHEN retry_count > 0 THEN now() ELSE next_attempt_at END
		WHERE id = $1 AND status = 'syncing'`

	return r.exec(ctx, query, id)
}

func (r *reverseSyncLogRepository) RequeueFailed(ctx context.Context, configID uuid.UUID) (int, error) {
	query := `
		UPDATE reverse_sync_logs
		SET status = 'pending', retry_count = 0, error_detail = '',
		    next_attempt_at = NULL, failed_at = NULL
		WHERE config_id = $1 AND status = 'failed'`

	result, err := r.db.Exec(ctx, query, configID)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed syncs: %w", err)
	}

	return int(result.RowsAffected()), nil
}

func (r *reverseSyncLogRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update reverse sync log: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

const selectReverseSyncLog = `
	SELECT id, config_id, event_id, entity_type, entity_id, changed_fields,
	       status, retry_count, max_retries, response, error_detail,
	       next_attempt_at, created_at, synced_at, failed_at
	FROM reverse_sync_logs`

func collectReverseSyncLogs(rows pgx.Rows) ([]*models.ReverseSyncLog, error) {
	var logs []*models.ReverseSyncLog
	for rows.Next() {
		l, err := scanReverseSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reverse sync logs: %w", err)
	}

	return logs, nil
}

func scanReverseSyncLog(row pgx.Row) (*models.ReverseSyncLog, error) {
	var l models.ReverseSyncLog
	var changes []byte
	var response, errorDetail *string

	err := row.Scan(
		&l.ID,
		&l.ConfigID,
		&l.EventID,
		&l.EntityType,
		&l.EntityID,
		&changes,
		&l.Status,
		&l.RetryCount,
		&l.MaxRetries,
		&response,
		&errorDetail,
		&l.NextAttemptAt,
		&l.CreatedAt,
		&l.SyncedAt,
		&l.FailedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan reverse sync log: %w", err)
	}

	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &l.ChangedFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changed fields: %w", err)
		}
	}
	if response != nil {
		l.Response = *response
	}
	if errorDetail != nil {
		l.ErrorDetail = *errorDetail
	}

	return &l, nil
}
