package models

import (
	"time"

	"github.com/google/uuid"
)

// Reverse sync lifecycle statuses.
// pending → syncing → completed on success; syncing → failed on permanent
// error; syncing → retrying → syncing on transient error while
// retry_count < max_retries, else failed. failed → pending only by explicit
// operator re-queue.
const (
	SyncStatusPending   = "pending"
	SyncStatusSyncing   = "syncing"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
	SyncStatusRetrying  = "retrying"
)

// FieldChange holds the old and new value of one changed field.
type FieldChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// ReverseSyncLog is one update intent derived from a WebhookEvent: the
// changed-field map to push back into the CRM, plus retry bookkeeping.
// Invariant: RetryCount <= MaxRetries.
type ReverseSyncLog struct {
	ID            uuid.UUID              `json:"id"`
	ConfigID      uuid.UUID              `json:"config_id"`
	EventID       uuid.UUID              `json:"event_id"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	ChangedFields map[string]FieldChange `json:"changed_fields"`
	Status        string                 `json:"status"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
	Response      string                 `json:"response,omitempty"`
	ErrorDetail   string                 `json:"error_detail,omitempty"`
	NextAttemptAt *time.Time             `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	SyncedAt      *time.Time             `json:"synced_at,omitempty"`
	FailedAt      *time.Time             `json:"failed_at,omitempty"`
}

// CanRetry reports whether another automatic retry is allowed.
func (l *ReverseSyncLog) CanRetry() bool {
	return l.RetryCount < l.MaxRetries
}
