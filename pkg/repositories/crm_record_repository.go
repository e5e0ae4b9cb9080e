package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/database"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
)

// CRMRecordRepository stores the mirrored CRM rows. Upsert is idempotent on
// the content fingerprint: re-writing an unchanged record is a no-op.
type CRMRecordRepository interface {
	// Upsert writes one normalized record. Returns true when the row was
	// inserted or its content actually changed.
	Upsert(ctx context.Context, entityType, entityID string, fields map[string]any, fingerprint string, modifiedAt time.Time) (bool, error)
	Get(ctx context.Context, entityType, entityID string) (*models.CRMRecord, error)
	CountByEntity(ctx context.Context, entityType string) (int, error)
}

type crmRecordRepository struct {
	db *database.DB
}

// NewCRMRecordRepository creates a new CRMRecordRepository.
func NewCRMRecordRepository(db *database.DB) CRMRecordRepository {
	return &crmRecordRepository{db: db}
}

var _ CRMRecordRepository = (*crmRecordRepository)(nil)

func (r *crmRecordRepository) Upsert(ctx context.Context, entityType, entityID string, fields map[string]any, fingerprint string, modifiedAt time.Time) (bool, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record fields: %w", err)
	}

	// The fingerprint guard turns a re-fetch of unchanged content into a
	// no-op: no row version churn, no history entry.
	query := `
		INSERT INTO crm_records (entity_type, entity_id, fields, fingerprint, modified_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			fields = EXCLUDED.fields,
			fingerprint = EXCLUDED.fingerprint,
			modified_at = EXCLUDED.modified_at,
			synced_at = now()
		WHERE crm_records.fingerprint <> EXCLUDED.fingerprint`

	result, err := r.db.Exec(ctx, query, entityType, entityID, payload, fingerprint, nullTime(modifiedAt))
	if err != nil {
		return false, fmt.Errorf("failed to upsert %s record %s: %w", entityType, entityID, err)
	}

	return result.RowsAffected() > 0, nil
}

func (r *crmRecordRepository) Get(ctx context.Context, entityType, entityID string) (*models.CRMRecord, error) {
	query := `
		SELECT entity_type, entity_id, fields, fingerprint, modified_at, synced_at
		FROM crm_records
		WHERE entity_type = $1 AND entity_id = $2`

	var rec models.CRMRecord
	var fields []byte
	var modifiedAt *time.Time

	err := r.db.QueryRow(ctx, query, entityType, entityID).Scan(
		&rec.EntityType,
		&rec.EntityID,
		&fields,
		&rec.Fingerprint,
		&modifiedAt,
		&rec.SyncedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s record %s: %w", entityType, entityID, err)
	}

	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record fields: %w", err)
	}
	if modifiedAt != nil {
		rec.ModifiedAt = *modifiedAt
	}

	return &rec, nil
}

func (r *crmRecordRepository) CountByEntity(ctx context.Context, entityType string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM crm_records WHERE entity_type = $1`, entityType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s records: %w", entityType, err)
	}
	return count, nil
}

// nullTime returns nil for the zero time so entities without a modification
// timestamp store NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
