package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the spreadsheet change that triggered an event.
type EventKind string

const (
	EventRowEdited   EventKind = "row_edited"
	EventRowInserted EventKind = "row_inserted"
	EventRowDeleted  EventKind = "row_deleted"
)

// Webhook event lifecycle statuses.
// received → validated → processed → (applied | rejected); failed on
// internal error. Rows are append-only except status/timestamps/error.
const (
	EventStatusReceived  = "received"
	EventStatusValidated = "validated"
	EventStatusProcessed = "processed"
	EventStatusApplied   = "applied"
	EventStatusRejected  = "rejected"
	EventStatusFailed    = "failed"
)

// WebhookEvent records one inbound edit notification from the spreadsheet.
type WebhookEvent struct {
	ID          uuid.UUID       `json:"id"`
	ConfigID    uuid.UUID       `json:"config_id"`
	Kind        EventKind       `json:"kind"`
	RowID       int             `json:"row_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// IsTerminal reports whether the event reached a final status.
func (e *WebhookEvent) IsTerminal() bool {
	switch e.Status {
	case EventStatusApplied, EventStatusRejected, EventStatusFailed:
		return true
	}
	return false
}
