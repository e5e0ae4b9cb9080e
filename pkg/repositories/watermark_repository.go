package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/database"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
)

// WatermarkRepository provides monotone cursor state per entity type.
type WatermarkRepository interface {
	// Get returns the watermark for an entity type. An entity without a
	// stored watermark gets the zero state (full fetch on next cycle).
	Get(ctx context.Context, entityType string) (*models.WatermarkState, error)
	// Advance moves the watermark forward. A candidate at or before the
	// stored watermark is a no-op; returns whether the row changed.
	Advance(ctx context.Context, entityType string, watermark time.Time, cursor int) (bool, error)
	// Reset rewinds the watermark to zero. Explicit operator action only.
	Reset(ctx context.Context, entityType string) error
}

type watermarkRepository struct {
	db *database.DB
}

// NewWatermarkRepository creates a new WatermarkRepository.
func NewWatermarkRepository(db *database.DB) WatermarkRepository {
	return &watermarkRepository{db: db}
}

var _ WatermarkRepository = (*watermarkRepository)(nil)

func (r *watermarkRepository) Get(ctx context.Context, entityType string) (*models.WatermarkState, error) {
	query := `
		SELECT entity_type, watermark, page_cursor, updated_at
		FROM watermark_states
		WHERE entity_type = $1`

	var w models.WatermarkState
	err := r.db.QueryRow(ctx, query, entityType).Scan(
		&w.EntityType,
		&w.Watermark,
		&w.PageCursor,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.WatermarkState{EntityType: entityType}, nil
		}
		return nil, fmt.Errorf("failed to read watermark for %s: %w", entityType, err)
	}

	return &w, nil
}

func (r *watermarkRepository) Advance(ctx context.Context, entityType string, watermark time.Time, cursor int) (bool, error) {
	// Single advancing writer per entity type; the guard below makes a
	// rewind attempt a no-op rather than an error.
	query := `
		INSERT INTO watermark_states (entity_type, watermark, page_cursor, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (entity_type) DO UPDATE SET
			watermark = EXCLUDED.watermark,
			page_cursor = EXCLUDED.page_cursor,
			updated_at = now()
		WHERE watermark_states.watermark < EXCLUDED.watermark`

	result, err := r.db.Exec(ctx, query, entityType, watermark, cursor)
	if err != nil {
		return false, fmt.Errorf("failed to advance watermark for %s: %w", entityType, err)
	}

	return result.RowsAffected() > 0, nil
}

func (r *watermarkRepository) Reset(ctx context.Context, entityType string) error {
	query := `
		UPDATE watermark_states
		SET watermark = 'epoch'::timestamptz, page_cursor = 0, updated_at = now()
		WHERE entity_type = $1`

	if _, err := r.db.Exec(ctx, query, entityType); err != nil {
		return fmt.Errorf("failed to reset watermark for %s: %w", entityType, err)
	}
	return nil
}
