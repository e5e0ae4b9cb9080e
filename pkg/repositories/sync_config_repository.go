package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/database"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
)

// SyncConfigRepository provides data access for spreadsheet-tab bindings.
type SyncConfigRepository interface {
	Create(ctx context.Context, cfg *models.SyncConfig) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncConfig, error)
	List(ctx context.Context) ([]*models.SyncConfig, error)
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	// RecordSuccess stamps a successful sync and clears the error streak.
	RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	// RecordFailure increments the consecutive-error counter and disables
	// the config once the streak reaches models.MaxConsecutiveErrors.
	// Returns true when the config was disabled by this failure.
	RecordFailure(ctx context.Context, id uuid.UUID, message string) (bool, error)
}

type syncConfigRepository struct {
	db *database.DB
}

// NewSyncConfigRepository creates a new SyncConfigRepository.
func NewSyncConfigRepository(db *database.DB) SyncConfigRepository {
	return &syncConfigRepository{db: db}
}

var _ SyncConfigRepository = (*syncConfigRepository)(nil)

func (r *syncConfigRepository) Create(ctx context.Context, cfg *models.SyncConfig) error {
	query := `
		INSERT INTO sync_configs (
			user_id, document_id, tab_id, entity_type, enabled,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		cfg.UserID,
		cfg.DocumentID,
		cfg.TabID,
		cfg.EntityType,
		cfg.Enabled,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create sync config: %w", err)
	}

	return nil
}

func (r *syncConfigRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncConfig, error) {
	query := `
		SELECT id, user_id, document_id, tab_id, entity_type, enabled,
		       last_synced_at, error_count, last_error, created_at, updated_at
		FROM sync_configs
		WHERE id = $1`

	cfg, err := scanSyncConfig(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return cfg, nil
}

func (r *syncConfigRepository) List(ctx context.Context) ([]*models.SyncConfig, error) {
	query := `
		SELECT id, user_id, document_id, tab_id, entity_type, enabled,
		       last_synced_at, error_count, last_error, created_at, updated_at
		FROM sync_configs
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.SyncConfig
	for rows.Next() {
		cfg, err := scanSyncConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync configs: %w", err)
	}

	return configs, nil
}

func (r *syncConfigRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	query := `
		UPDATE sync_configs
		SET enabled = $2, error_count = CASE WHEN $2 THEN 0 ELSE error_count END,
		    updated_at = now()
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update sync config: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *syncConfigRepository) RecordSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE sync_configs
		SET last_synced_at = $2, error_count = 0, last_error = '', updated_at = now()
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to record sync success: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *syncConfigRepository) RecordFailure(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	// Persistent failure disables the config, never deletes it.
	query := `
		UPDATE sync_configs
		SET error_count = error_count + 1,
		    last_error = $2,
		    enabled = CASE WHEN error_count + 1 >= $3 THEN false ELSE enabled END,
		    updated_at = now()
		WHERE id = $1
		RETURNING enabled`

	var enabled bool
	err := r.db.QueryRow(ctx, query, id, message, models.MaxConsecutiveErrors).Scan(&enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, apperrors.ErrNotFound
		}
		return false, fmt.Errorf("failed to record sync failure: %w", err)
	}

	return !enabled, nil
}

func scanSyncConfig(row pgx.Row) (*models.SyncConfig, error) {
	var c models.SyncConfig
	var lastError *string

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.DocumentID,
		&c.TabID,
		&c.EntityType,
		&c.Enabled,
		&c.LastSyncedAt,
		&c.ErrorCount,
		&lastError,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan sync config: %w", err)
	}

	if lastError != nil {
		c.LastError = *lastError
	}

	return &c, nil
}
