package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/database"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
)

// WebhookEventRepository provides the append-only inbound event audit trail.
// Rows are immutable after creation except status, timestamps and error
// detail.
type WebhookEventRepository interface {
	Create(ctx context.Context, e *models.WebhookEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	// UpdateStatus moves an event through its lifecycle. Terminal statuses
	// stamp processed_at.
	UpdateStatus(ctx context.Context, id uuid.UUID, status, errorDetail string) error
	// ListByConfig returns events for a config, newest first, optionally
	// filtered by status.
	ListByConfig(ctx context.Context, configID uuid.UUID, status string, limit int) ([]*models.WebhookEvent, error)
	// ListNonTerminal returns events that never reached a terminal status,
	// oldest first. Used to re-queue stored events after a restart.
	ListNonTerminal(ctx context.Context) ([]*models.WebhookEvent, error)
}

type webhookEventRepository struct {
	db *database.DB
}

// NewWebhookEventRepository creates a new WebhookEventRepository.
func NewWebhookEventRepository(db *database.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

var _ WebhookEventRepository = (*webhookEventRepository)(nil)

func (r *webhookEventRepository) Create(ctx context.Context, e *models.WebhookEvent) error {
	query := `
		INSERT INTO webhook_events (config_id, kind, row_id, payload, status, received_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, received_at`

	err := r.db.QueryRow(ctx, query,
		e.ConfigID,
		e.Kind,
		e.RowID,
		e.Payload,
		e.Status,
	).Scan(&e.ID, &e.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to create webhook event: %w", err)
	}

	return nil
}

func (r *webhookEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	query := selectWebhookEvent + ` WHERE id = $1`

	e, err := scanWebhookEvent(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (r *webhookEventRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status, errorDetail string) error {
	query := `
		UPDATE webhook_events
		SET status = $2,
		    error_detail = $3,
		    processed_at = CASE WHEN $2 IN ('applied', 'rejected', 'failed') THEN now() ELSE processed_at END
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, status, errorDetail)
	if err != nil {
		return fmt.Errorf("failed to update webhook event status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *webhookEventRepository) ListByConfig(ctx context.Context, configID uuid.UUID, status string, limit int) ([]*models.WebhookEvent, error) {
	query := selectWebhookEvent + `
		WHERE config_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY received_at DESC
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, configID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}

	return events, nil
}

func (r *webhookEventRepository) ListNonTerminal(ctx context.Context) ([]*models.WebhookEvent, error) {
	query := selectWebhookEvent + `
		WHERE status IN ('received', 'validated', 'processed')
		ORDER BY received_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal webhook events: %w", err)
	}
	defer rows.Close()

	var events []*models.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}

	return events, nil
}

const selectWebhookEvent = `
	SELECT id, config_id, kind, row_id, payload, status, error_detail,
	       received_at, processed_at
	FROM webhook_events`

func scanWebhookEvent(row pgx.Row) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var errorDetail *string

	err := row.Scan(
		&e.ID,
		&e.ConfigID,
		&e.Kind,
		&e.RowID,
		&e.Payload,
		&e.Status,
		&errorDetail,
		&e.ReceivedAt,
		&e.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan webhook event: %w", err)
	}

	if errorDetail != nil {
		e.ErrorDetail = *errorDetail
	}

	return &e, nil
}
