package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/bitrix"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/repositories"
)

// inboundEventSchema is the structural contract of a spreadsheet edit
// notification. Validation failures reject the event, they never drop it.
const inboundEventSchema = `{
	"type": "object",
	"required": ["event_kind", "row_id"],
	"properties": {
		"event_kind": {"enum": ["row_edited", "row_inserted", "row_deleted"]},
		"row_id": {"type": "integer", "minimum": 1},
		"old_values": {"type": "array", "items": {"type": "string"}},
		"new_values": {"type": "array", "items": {"type": "string"}}
	}
}`

// InboundEvent is the decoded webhook payload. Values are positional by
// column index, aligned with the stored field mappings.
type InboundEvent struct {
	EventKind string   `json:"event_kind"`
	RowID     int      `json:"row_id"`
	OldValues []string `json:"old_values"`
	NewValues []string `json:"new_values"`
}

// Spreadsheet cells carry dates in these layouts; anything else fails the
// date coercion closed.
const (
	sheetDateTimeLayout = "2006-01-02 15:04:05"
	sheetDateLayout     = "2006-01-02"
)

var boolTokens = map[string]string{
	"1": "Y", "true": "Y", "yes": "Y", "y": "Y", "да": "Y",
	"0": "N", "false": "N", "no": "N", "n": "N", "нет": "N",
}

// WebhookProcessor turns inbound spreadsheet edit events into update
// intents. Events are validated against the schema, diffed positionally
// through the field mappings, coerced per declared type and recorded as a
// ReverseSyncLog for the dispatcher. Events for the same config are
// processed strictly in receipt order; different configs in parallel.
type WebhookProcessor struct {
	events     repositories.WebhookEventRepository
	logs       repositories.ReverseSyncLogRepository
	configs    repositories.SyncConfigRepository
	mappings   repositories.FieldMappingRepository
	lookups    *LookupCache
	maxRetries int
	logger     *zap.Logger

	schema *jsonschema.Schema
	shards []chan uuid.UUID
}

const (
	processorShards     = 4
	processorQueueDepth = 256
)

// NewWebhookProcessor creates a WebhookProcessor. maxRetries is stamped on
// every update intent it creates.
func NewWebhookProcessor(
	events repositories.WebhookEventRepository,
	logs repositories.ReverseSyncLogRepository,
	configs repositories.SyncConfigRepository,
	mappings repositories.FieldMappingRepository,
	lookups *LookupCache,
	maxRetries int,
	logger *zap.Logger,
) (*WebhookProcessor, error) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundEventSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse inbound event schema: %w", err)
	}
	if err := compiler.AddResource("inbound_event.json", doc); err != nil {
		return nil, fmt.Errorf("failed to register inbound event schema: %w", err)
	}
	schema, err := compiler.Compile("inbound_event.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile inbound event schema: %w", err)
	}

	shards := make([]chan uuid.UUID, processorShards)
	for i := range shards {
		shards[i] = make(chan uuid.UUID, processorQueueDepth)
	}

	return &WebhookProcessor{
		events:     events,
		logs:       logs,
		configs:    configs,
		mappings:   mappings,
		lookups:    lookups,
		maxRetries: maxRetries,
		logger:     logger.Named("webhook"),
		schema:     schema,
		shards:     shards,
	}, nil
}

// Run starts one worker per shard and blocks until ctx is cancelled.
// Sharding by config ID keeps per-config ordering while configs on
// different shards process concurrently. Events persisted before a restart
// that never reached a terminal status are re-queued first.
func (p *WebhookProcessor) Run(ctx context.Context) {
	for _, shard := range p.shards {
		shard := shard
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case eventID := <-shard:
					if err := p.Process(ctx, eventID); err != nil && ctx.Err() == nil {
						p.logger.Error("event processing failed",
							zap.String("event_id", eventID.String()), zap.Error(err))
					}
				}
			}
		}()
	}
	if err := p.resume(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("failed to resume stored events", zap.Error(err))
	}
	<-ctx.Done()
}

// resume re-queues every stored event still short of a terminal status, so a
// restart never strands a persisted received or validated row.
func (p *WebhookProcessor) resume(ctx context.Context) error {
	events, err := p.events.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, event := range events {
		select {
		case p.shardFor(event.ConfigID) <- event.ID:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(events) > 0 {
		p.logger.Info("stored events re-queued", zap.Int("count", len(events)))
	}
	return nil
}

// Enqueue persists the raw event as received and queues it for processing.
// A full shard queue fails the enqueue; the caller should surface
// backpressure rather than drop silently.
func (p *WebhookProcessor) Enqueue(ctx context.Context, configID uuid.UUID, payload json.RawMessage) (*models.WebhookEvent, error) {
	// Kind and row are extracted best-effort for the stored row; the
	// authoritative validation happens in Process.
	var peek InboundEvent
	_ = json.Unmarshal(payload, &peek)

	event := &models.WebhookEvent{
		ConfigID: configID,
		Kind:     models.EventKind(peek.EventKind),
		RowID:    peek.RowID,
		Payload:  payload,
		Status:   models.EventStatusReceived,
	}
	if err := p.events.Create(ctx, event); err != nil {
		return nil, err
	}

	select {
	case p.shardFor(configID) <- event.ID:
	default:
		detail := "processing queue full"
		if err := p.events.UpdateStatus(ctx, event.ID, models.EventStatusFailed, detail); err != nil {
			p.logger.Warn("failed to mark overflowed event", zap.Error(err))
		}
		return nil, fmt.Errorf("webhook queue full for config %s", configID)
	}

	return event, nil
}

// Process runs one event through validation and diffing. The returned error
// covers internal failures only; validation problems are absorbed into the
// event's rejected status.
func (p *WebhookProcessor) Process(ctx context.Context, eventID uuid.UUID) error {
	event, err := p.events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.IsTerminal() {
		return nil
	}

	cfg, inbound, reason, err := p.validate(ctx, event)
	if err != nil {
		return p.fail(ctx, event, err)
	}
	if reason != "" {
		p.logger.Info("event rejected",
			zap.String("event_id", event.ID.String()),
			zap.String("reason", reason))
		return p.events.UpdateStatus(ctx, event.ID, models.EventStatusRejected, reason)
	}
	if err := p.events.UpdateStatus(ctx, event.ID, models.EventStatusValidated, ""); err != nil {
		return err
	}

	intent, warnings, reason, err := p.buildIntent(ctx, cfg, event, inbound)
	if err != nil {
		return p.fail(ctx, event, err)
	}
	if err := p.events.UpdateStatus(ctx, event.ID, models.EventStatusProcessed, ""); err != nil {
		return err
	}
	if reason != "" {
		return p.events.UpdateStatus(ctx, event.ID, models.EventStatusRejected, reason)
	}

	detail := strings.Join(warnings, "; ")
	if intent == nil {
		// Nothing pushable changed: terminal no-op.
		return p.events.UpdateStatus(ctx, event.ID, models.EventStatusApplied, detail)
	}

	if err := p.logs.Create(ctx, intent); err != nil {
		return p.fail(ctx, event, err)
	}
	if err := p.events.UpdateStatus(ctx, event.ID, models.EventStatusApplied, detail); err != nil {
		return err
	}

	p.logger.Info("update intent created",
		zap.String("event_id", event.ID.String()),
		zap.String("entity_type", intent.EntityType),
		zap.String("entity_id", intent.EntityID),
		zap.Int("fields", len(intent.ChangedFields)))
	return nil
}

// validate checks the structural contract and the config state. A non-empty
// reason means the event must be rejected; a missing config is a rejection
// cause, not an internal failure.
func (p *WebhookProcessor) validate(ctx context.Context, event *models.WebhookEvent) (*models.SyncConfig, *InboundEvent, string, error) {
	cfg, err := p.configs.GetByID(ctx, event.ConfigID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil, fmt.Sprintf("config %s does not exist", event.ConfigID), nil
		}
		return nil, nil, "", err
	}
	if !cfg.Enabled {
		return nil, nil, fmt.Sprintf("config %s is disabled", cfg.ID), nil
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(event.Payload))
	if err != nil {
		return nil, nil, fmt.Sprintf("malformed payload: %v", err), nil
	}
	if err := p.schema.Validate(instance); err != nil {
		return nil, nil, fmt.Sprintf("payload rejected by schema: %v", err), nil
	}

	var inbound InboundEvent
	if err := json.Unmarshal(event.Payload, &inbound); err != nil {
		return nil, nil, fmt.Sprintf("malformed payload: %v", err), nil
	}
	return cfg, &inbound, "", nil
}

// buildIntent diffs old against new values through the field mappings and
// coerces the changed cells. Returns a nil intent when nothing pushable
// changed, or a non-empty reason when the row cannot be attributed to a CRM
// record.
func (p *WebhookProcessor) buildIntent(ctx context.Context, cfg *models.SyncConfig, event *models.WebhookEvent, inbound *InboundEvent) (*models.ReverseSyncLog, []string, string, error) {
	if inbound.EventKind == string(models.EventRowDeleted) {
		// Deletion propagation into the CRM is not performed; the event is
		// acknowledged and recorded.
		return nil, []string{"row deletion acknowledged, not propagated"}, "", nil
	}

	adapter, err := bitrix.ForEntity(cfg.EntityType)
	if err != nil {
		return nil, nil, "", err
	}

	columns, err := p.mappings.ListByConfig(ctx, cfg.ID)
	if err != nil {
		return nil, nil, "", err
	}
	byIndex := make(map[int]*models.FieldMapping, len(columns))
	for _, m := range columns {
		byIndex[m.ColumnIndex] = m
	}

	entityID := resolveEntityID(byIndex, adapter.IDField, inbound)
	if entityID == "" {
		return nil, nil, "row carries no CRM entity id", nil
	}

	width := len(inbound.NewValues)
	if len(inbound.OldValues) > width {
		width = len(inbound.OldValues)
	}

	var warnings []string
	changes := make(map[string]models.FieldChange)
	for i := 0; i < width; i++ {
		oldVal := valueAt(inbound.OldValues, i)
		newVal := valueAt(inbound.NewValues, i)
		if oldVal == newVal {
			continue
		}

		m, ok := byIndex[i]
		if !ok || m.Unmapped || m.TargetField == "" {
			continue
		}
		if strings.EqualFold(m.TargetField, adapter.IDField) {
			// The ID column identifies the row; it is never pushed.
			continue
		}
		if !m.Updatable {
			continue
		}

		coerced, ok, warning := p.coerce(cfg.EntityType, m, newVal)
		if warning != "" {
			warnings = append(warnings, warning)
		}
		if !ok {
			continue
		}
		changes[m.TargetField] = models.FieldChange{Old: oldVal, New: coerced}
	}

	if len(changes) == 0 {
		return nil, warnings, "", nil
	}

	return &models.ReverseSyncLog{
		ConfigID:      cfg.ID,
		EventID:       event.ID,
		EntityType:    cfg.EntityType,
		EntityID:      entityID,
		ChangedFields: changes,
		Status:        models.SyncStatusPending,
		MaxRetries:    p.maxRetries,
	}, warnings, "", nil
}

// coerce converts a raw cell value into the CRM representation declared by
// the mapping. Conversion failures fail closed: the field is omitted and a
// warning explains why.
func (p *WebhookProcessor) coerce(entityType string, m *models.FieldMapping, value string) (string, bool, string) {
	value = strings.TrimSpace(value)

	switch m.ValueType {
	case models.FieldTypeNumber:
		n, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", "."), 64)
		if err != nil {
			return "", false, fmt.Sprintf("column %d (%s): %q is not a number", m.ColumnIndex, m.TargetField, value)
		}
		return strconv.FormatFloat(n, 'f', -1, 64), true, ""

	case models.FieldTypeDate:
		for _, layout := range []string{sheetDateTimeLayout, sheetDateLayout, time.RFC3339} {
			if t, err := time.Parse(layout, value); err == nil {
				return t.Format(time.RFC3339), true, ""
			}
		}
		return "", false, fmt.Sprintf("column %d (%s): %q is not a recognized date", m.ColumnIndex, m.TargetField, value)

	case models.FieldTypeBoolean:
		if v, ok := boolTokens[strings.ToLower(value)]; ok {
			return v, true, ""
		}
		return "", false, fmt.Sprintf("column %d (%s): %q is not a boolean", m.ColumnIndex, m.TargetField, value)

	case models.FieldTypeEnum:
		if code, ok := p.lookups.ResolveName(entityType, value); ok {
			return code, true, ""
		}
		// Unknown display name passes through unchanged; the portal decides
		// whether the raw value is a valid code.
		return value, true, fmt.Sprintf("column %d (%s): %q not in lookup cache, passed through", m.ColumnIndex, m.TargetField, value)

	default:
		return value, true, ""
	}
}

// fail marks the event failed, counts it against the config's error streak
// and returns the original error.
func (p *WebhookProcessor) fail(ctx context.Context, event *models.WebhookEvent, cause error) error {
	if err := p.events.UpdateStatus(ctx, event.ID, models.EventStatusFailed, cause.Error()); err != nil {
		p.logger.Warn("failed to mark event failed",
			zap.String("event_id", event.ID.String()), zap.Error(err))
	}
	disabled, err := p.configs.RecordFailure(ctx, event.ConfigID, cause.Error())
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		p.logger.Warn("failed to record config failure",
			zap.String("config_id", event.ConfigID.String()), zap.Error(err))
	}
	if disabled {
		p.logger.Warn("config disabled after persistent failures",
			zap.String("config_id", event.ConfigID.String()))
	}
	return cause
}

// resolveEntityID finds the CRM entity ID in the row via the mapping whose
// target is the adapter's ID field. New values win over old ones.
func resolveEntityID(byIndex map[int]*models.FieldMapping, idField string, inbound *InboundEvent) string {
	for _, m := range byIndex {
		if m.Unmapped || !strings.EqualFold(m.TargetField, idField) {
			continue
		}
		if v := strings.TrimSpace(valueAt(inbound.NewValues, m.ColumnIndex)); v != "" {
			return v
		}
		if v := strings.TrimSpace(valueAt(inbound.OldValues, m.ColumnIndex)); v != "" {
			return v
		}
	}
	return ""
}

func valueAt(values []string, i int) string {
	if i < 0 || i >= len(values) {
		return ""
	}
	return values[i]
}

func (p *WebhookProcessor) shardFor(configID uuid.UUID) chan uuid.UUID {
	// FNV-style fold of the UUID bytes picks a stable shard per config.
	var h uint32 = 2166136261
	for _, b := range configID {
		h ^= uint32(b)
		h *= 16777619
	}
	return p.shards[h%uint32(len(p.shards))]
}
