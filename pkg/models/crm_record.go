package models

import (
	"time"
)

// CRMRecord is one mirrored CRM entity row. The fingerprint is a content
// hash of the normalized fields; re-upserting an identical fingerprint is a
// no-op.
type CRMRecord struct {
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Fields      map[string]any `json:"fields"`
	Fingerprint string         `json:"fingerprint"`
	ModifiedAt  time.Time      `json:"modified_at"`
	SyncedAt    time.Time      `json:"synced_at"`
}
