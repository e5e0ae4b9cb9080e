package models

import (
	"time"

	"github.com/google/uuid"
)

// FieldType is the declared value type of a mapped column.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeDate    FieldType = "date"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeEnum    FieldType = "enum"
)

// FieldMapping is a persisted correspondence between a spreadsheet column and
// a CRM field. Column index is unique within a SyncConfig. A manual
// correction sets Confidence to 1.0 and Manual to true; auto-detection never
// overwrites a manual mapping.
type FieldMapping struct {
	ID          uuid.UUID `json:"id"`
	ConfigID    uuid.UUID `json:"config_id"`
	ColumnIndex int       `json:"column_index"`
	ColumnName  string    `json:"column_name"`
	TargetField string    `json:"target_field"`
	ValueType   FieldType `json:"value_type"`
	Updatable   bool      `json:"updatable"`
	Confidence  float64   `json:"confidence"`
	Manual      bool      `json:"manual"`
	Unmapped    bool      `json:"unmapped"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
