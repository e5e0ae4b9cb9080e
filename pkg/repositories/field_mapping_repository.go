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

// FieldMappingRepository provides data access for column-field mappings.
type FieldMappingRepository interface {
	// UpsertDetected writes an auto-detected mapping. A mapping previously
	// forced by manual correction is left untouched; the detected values are
	// discarded for that column.
	UpsertDetected(ctx context.Context, m *models.FieldMapping) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.FieldMapping, error)
	ListByConfig(ctx context.Context, configID uuid.UUID) ([]*models.FieldMapping, error)
	// Correct applies a manual override: confidence 1.0, manual flag set.
	Correct(ctx context.Context, id uuid.UUID, targetField string, valueType models.FieldType, updatable bool) (*models.FieldMapping, error)
}

type fieldMappingRepository struct {
	db *database.DB
}

// NewFieldMappingRepository creates a new FieldMappingRepository.
func NewFieldMappingRepository(db *database.DB) FieldMappingRepository {
	return &fieldMappingRepository{db: db}
}

var _ FieldMappingRepository = (*fieldMappingRepository)(nil)

func (r *fieldMappingRepository) UpsertDetected(ctx context.Context, m *models.FieldMapping) error {
	query := `
		INSERT INTO field_mappings (
			config_id, column_index, column_name, target_field, value_type,
			updatable, confidence, manual, unmapped, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, now(), now())
		ON CONFLICT (config_id, column_index) DO UPDATE SET
			column_name = EXCLUDED.column_name,
			target_field = EXCLUDED.target_field,
			value_type = EXCLUDED.value_type,
			updatable = EXCLUDED.updatable,
			confidence = EXCLUDED.confidence,
			unmapped = EXCLUDED.unmapped,
			updated_at = now()
		WHERE NOT field_mappings.manual
		RETURNING id, manual, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		m.ConfigID,
		m.ColumnIndex,
		m.ColumnName,
		m.TargetField,
		m.ValueType,
		m.Updatable,
		m.Confidence,
		m.Unmapped,
	).Scan(&m.ID, &m.Manual, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict against a manual mapping: nothing written, load the
			// surviving row so callers see the authoritative state.
			existing, getErr := r.getByColumn(ctx, m.ConfigID, m.ColumnIndex)
			if getErr != nil {
				return getErr
			}
			*m = *existing
			return nil
		}
		return fmt.Errorf("failed to upsert field mapping: %w", err)
	}

	return nil
}

func (r *fieldMappingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FieldMapping, error) {
	query := selectFieldMapping + ` WHERE id = $1`

	m, err := scanFieldMapping(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (r *fieldMappingRepository) getByColumn(ctx context.Context, configID uuid.UUID, columnIndex int) (*models.FieldMapping, error) {
	query := selectFieldMapping + ` WHERE config_id = $1 AND column_index = $2`

	m, err := scanFieldMapping(r.db.QueryRow(ctx, query, configID, columnIndex))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

func (r *fieldMappingRepository) ListByConfig(ctx context.Context, configID uuid.UUID) ([]*models.FieldMapping, error) {
	query := selectFieldMapping + ` WHERE config_id = $1 ORDER BY column_index`

	rows, err := r.db.Query(ctx, query, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to query field mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.FieldMapping
	for rows.Next() {
		m, err := scanFieldMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating field mappings: %w", err)
	}

	return mappings, nil
}

func (r *fieldMappingRepository) Correct(ctx context.Context, id uuid.UUID, targetField string, valueType models.FieldType, updatable bool) (*models.FieldMapping, error) {
	query := `
		UPDATE field_mappings
		SET target_field = $2, value_type = $3, updatable = $4,
		    confidence = 1.0, manual = true, unmapped = false, updated_at = now()
		WHERE id = $1
		RETURNING id, config_id, column_index, column_name, target_field,
		          value_type, updatable, confidence, manual, unmapped,
		          created_at, updated_at`

	m, err := scanFieldMapping(r.db.QueryRow(ctx, query, id, targetField, valueType, updatable))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

const selectFieldMapping = `
	SELECT id, config_id, column_index, column_name, target_field,
	       value_type, updatable, confidence, manual, unmapped,
	       created_at, updated_at
	FROM field_mappings`

func scanFieldMapping(row pgx.Row) (*models.FieldMapping, error) {
	var m models.FieldMapping

	err := row.Scan(
		&m.ID,
		&m.ConfigID,
		&m.ColumnIndex,
		&m.ColumnName,
		&m.TargetField,
		&m.ValueType,
		&m.Updatable,
		&m.Confidence,
		&m.Manual,
		&m.Unmapped,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan field mapping: %w", err)
	}

	return &m, nil
}
