package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Sync history entry kinds.
const (
	HistoryPullCycle = "pull_cycle"
	HistoryPullError = "pull_error"
	HistoryDispatch  = "dispatch"
)

// SyncHistory is one append-only operational log entry.
type SyncHistory struct {
	ID        uuid.UUID       `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
