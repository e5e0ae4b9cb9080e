package repositories

import (
	"context"
	"fmt"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/database"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
)

// LookupValueRepository persists the lookup cache between restarts.
type LookupValueRepository interface {
	// ReplaceAll swaps the full set for an entity type in one transaction.
	ReplaceAll(ctx context.Context, entityType string, values []models.LookupValue) error
	GetByEntity(ctx context.Context, entityType string) ([]models.LookupValue, error)
	GetAll(ctx context.Context) ([]models.LookupValue, error)
}

type lookupValueRepository struct {
	db *database.DB
}

// NewLookupValueRepository creates a new LookupValueRepository.
func NewLookupValueRepository(db *database.DB) LookupValueRepository {
	return &lookupValueRepository{db: db}
}

var _ LookupValueRepository = (*lookupValueRepository)(nil)

func (r *lookupValueRepository) ReplaceAll(ctx context.Context, entityType string, values []models.LookupValue) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM lookup_values WHERE entity_type = $1`, entityType); err != nil {
		return fmt.Errorf("failed to clear lookup values: %w", err)
	}

	for _, v := range values {
		_, err := tx.Exec(ctx, `
			INSERT INTO lookup_values (entity_type, status_code, name, color, semantics, refreshed_at)
			VALUES ($1, $2, $3, $4, $5, now())`,
			entityType, v.StatusCode, v.Name, v.Color, v.Semantics)
		if err != nil {
			return fmt.Errorf("failed to insert lookup value %s/%s: %w", entityType, v.StatusCode, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit lookup values: %w", err)
	}

	return nil
}

func (r *lookupValueRepository) GetByEntity(ctx context.Context, entityType string) ([]models.LookupValue, error) {
	return r.query(ctx,
		`SELECT entity_type, status_code, name, color, semantics, refreshed_at
		 FROM lookup_values WHERE entity_type = $1 ORDER BY status_code`, entityType)
}

func (r *lookupValueRepository) GetAll(ctx context.Context) ([]models.LookupValue, error) {
	return r.query(ctx,
		`SELECT entity_type, status_code, name, color, semantics, refreshed_at
		 FROM lookup_values ORDER BY entity_type, status_code`)
}

func (r *lookupValueRepository) query(ctx context.Context, query string, args ...any) ([]models.LookupValue, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lookup values: %w", err)
	}
	defer rows.Close()

	var values []models.LookupValue
	for rows.Next() {
		var v models.LookupValue
		if err := rows.Scan(&v.EntityType, &v.StatusCode, &v.Name, &v.Color, &v.Semantics, &v.RefreshedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lookup value: %w", err)
		}
		values = append(values, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lookup values: %w", err)
	}

	return values, nil
}
