package models

import "time"

// LookupValue maps an opaque CRM status/reference code to display metadata.
// Keyed uniquely by (entity type, status code); read-mostly, refreshed from
// the CRM on demand.
type LookupValue struct {
	EntityType  string    `json:"entity_type"`
	StatusCode  string    `json:"status_code"`
	Name        string    `json:"name"`
	Color       string    `json:"color,omitempty"`
	Semantics   string    `json:"semantics,omitempty"`
	RefreshedAt time.Time `json:"refreshed_at"`
}
