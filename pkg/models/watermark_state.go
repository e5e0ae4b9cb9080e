package models

import "time"

// WatermarkState holds the highest-seen modification timestamp and the last
// successfully completed page cursor for one entity type. The watermark
// advances monotonically and is never rewound except by explicit operator
// reset.
type WatermarkState struct {
	EntityType string    `json:"entity_type"`
	Watermark  time.Time `json:"watermark"`
	PageCursor int       `json:"page_cursor"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ShouldAdvance reports whether candidate moves the watermark forward.
// Advancing to an equal or earlier timestamp is a no-op.
func (w *WatermarkState) ShouldAdvance(candidate time.Time) bool {
	return candidate.After(w.Watermark)
}
