package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxConsecutiveErrors is the error streak after which a config is disabled.
// Configs are never deleted automatically; an operator re-enables them.
const MaxConsecutiveErrors = 5

// SyncConfig binds one spreadsheet tab to one CRM entity type for a user.
// Unique per (user, document, tab, entity type).
type SyncConfig struct {
	ID           uuid.UUID  `json:"id"`
	UserID       string     `json:"user_id"`
	DocumentID   string     `json:"document_id"`
	TabID        string     `json:"tab_id"`
	EntityType   string     `json:"entity_type"`
	Enabled      bool       `json:"enabled"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	ErrorCount   int        `json:"error_count"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
