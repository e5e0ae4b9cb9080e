package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/database"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
)

// SyncHistoryRepository is the append_log sink: an append-only operational
// trail of cycle summaries and dispatch outcomes.
type SyncHistoryRepository interface {
	Append(ctx context.Context, kind string, payload any) error
	ListRecent(ctx context.Context, kind string, limit int) ([]*models.SyncHistory, error)
}

type syncHistoryRepository struct {
	db *database.DB
}

// NewSyncHistoryRepository creates a new SyncHistoryRepository.
func NewSyncHistoryRepository(db *database.DB) SyncHistoryRepository {
	return &syncHistoryRepository{db: db}
}

var _ SyncHistoryRepository = (*syncHistoryRepository)(nil)

func (r *syncHistoryRepository) Append(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal history payload: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO sync_history (kind, payload, created_at) VALUES ($1, $2, now())`,
		kind, data)
	if err != nil {
		return fmt.Errorf("failed to append sync history: %w", err)
	}

	return nil
}

func (r *syncHistoryRepository) ListRecent(ctx context.Context, kind string, limit int) ([]*models.SyncHistory, error) {
	query := `
		SELECT id, kind, payload, created_at
		FROM sync_history
		WHERE ($1 = '' OR kind = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync history: %w", err)
	}
	defer rows.Close()

	var entries []*models.SyncHistory
	for rows.Next() {
		var h models.SyncHistory
		if err := rows.Scan(&h.ID, &h.Kind, &h.Payload, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		entries = append(entries, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync history: %w", err)
	}

	return entries, nil
}
