package services

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/bitrix"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
)

// mockCaller scripts CRM responses per invocation. Safe for concurrent use.
type mockCaller struct {
	mu       sync.Mutex
	callFunc func(method string, params url.Values, call int) (*bitrix.CallResult, error)
	calls    int
	methods  []string
}

func (m *mockCaller) Call(_ context.Context, method string, params url.Values) (*bitrix.CallResult, error) {
	m.mu.Lock()
	call := m.calls
	m.calls++
	m.methods = append(m.methods, method)
	fn := m.callFunc
	m.mu.Unlock()
	return fn(method, params, call)
}

func (m *mockCaller) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockCRMRecordRepository struct {
	mu      sync.Mutex
	records map[string]*models.CRMRecord
	upserts int
}

func newMockCRMRecordRepository() *mockCRMRecordRepository {
	return &mockCRMRecordRepository{records: make(map[string]*models.CRMRecord)}
}

func (m *mockCRMRecordRepository) Upsert(_ context.Context, entityType, entityID string, fields map[string]any, fingerprint string, modifiedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	key := entityType + "/" + entityID
	if existing, ok := m.records[key]; ok && existing.Fingerprint == fingerprint {
		return false, nil
	}
	m.records[key] = &models.CRMRecord{
		EntityType:  entityType,
		EntityID:    entityID,
		Fields:      fields,
		Fingerprint: fingerprint,
		ModifiedAt:  modifiedAt,
	}
	return true, nil
}

func (m *mockCRMRecordRepository) Get(_ context.Context, entityType, entityID string) (*models.CRMRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[entityType+"/"+entityID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return rec, nil
}

func (m *mockCRMRecordRepository) CountByEntity(_ context.Context, entityType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.EntityType == entityType {
			n++
		}
	}
	return n, nil
}

type mockWatermarkRepository struct {
	mu     sync.Mutex
	states map[string]models.WatermarkState
}

func newMockWatermarkRepository() *mockWatermarkRepository {
	return &mockWatermarkRepository{states: make(map[string]models.WatermarkState)}
}

func (m *mockWatermarkRepository) Get(_ context.Context, entityType string) (*models.WatermarkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.states[entityType]
	state.EntityType = entityType
	return &state, nil
}

func (m *mockWatermarkRepository) Advance(_ context.Context, entityType string, watermark time.Time, cursor int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.states[entityType]
	if !watermark.After(state.Watermark) {
		return false, nil
	}
	state.EntityType = entityType
	state.Watermark = watermark
	state.PageCursor = cursor
	m.states[entityType] = state
	return true, nil
}

func (m *mockWatermarkRepository) Reset(_ context.Context, entityType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[entityType] = models.WatermarkState{EntityType: entityType}
	return nil
}

type historyEntry struct {
	kind    string
	payload any
}

type mockSyncHistoryRepository struct {
	mu      sync.Mutex
	entries []historyEntry
}

func (m *mockSyncHistoryRepository) Append(_ context.Context, kind string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, historyEntry{kind: kind, payload: payload})
	return nil
}

func (m *mockSyncHistoryRepository) ListRecent(_ context.Context, kind string, limit int) ([]*models.SyncHistory, error) {
	return nil, nil
}

func (m *mockSyncHistoryRepository) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.kind
	}
	return out
}

type mockSyncConfigRepository struct {
	mu      sync.Mutex
	configs map[uuid.UUID]*models.SyncConfig
}

func newMockSyncConfigRepository() *mockSyncConfigRepository {
	return &mockSyncConfigRepository{configs: make(map[uuid.UUID]*models.SyncConfig)}
}

func (m *mockSyncConfigRepository) Create(_ context.Context, cfg *models.SyncConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	m.configs[cfg.ID] = cfg
	return nil
}

func (m *mockSyncConfigRepository) GetByID(_ context.Context, id uuid.UUID) (*models.SyncConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *cfg
	return &copied, nil
}

func (m *mockSyncConfigRepository) List(_ context.Context) ([]*models.SyncConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.SyncConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		copied := *cfg
		out = append(out, &copied)
	}
	return out, nil
}

func (m *mockSyncConfigRepository) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	cfg.Enabled = enabled
	if enabled {
		cfg.ErrorCount = 0
	}
	return nil
}

func (m *mockSyncConfigRepository) RecordSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	cfg.LastSyncedAt = &at
	cfg.ErrorCount = 0
	cfg.LastError = ""
	return nil
}

func (m *mockSyncConfigRepository) RecordFailure(_ context.Context, id uuid.UUID, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	cfg.ErrorCount++
	cfg.LastError = message
	if cfg.ErrorCount >= models.MaxConsecutiveErrors && cfg.Enabled {
		cfg.Enabled = false
		return true, nil
	}
	return false, nil
}

type mockFieldMappingRepository struct {
	mu       sync.Mutex
	mappings map[uuid.UUID]*models.FieldMapping
}

func newMockFieldMappingRepository() *mockFieldMappingRepository {
	return &mockFieldMappingRepository{mappings: make(map[uuid.UUID]*models.FieldMapping)}
}

func (m *mockFieldMappingRepository) UpsertDetected(_ context.Context, mapping *models.FieldMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.mappings {
		if existing.ConfigID == mapping.ConfigID && existing.ColumnIndex == mapping.ColumnIndex {
			if existing.Manual {
				*mapping = *existing
				return nil
			}
			mapping.ID = existing.ID
			copied := *mapping
			m.mappings[existing.ID] = &copied
			return nil
		}
	}
	mapping.ID = uuid.New()
	copied := *mapping
	m.mappings[mapping.ID] = &copied
	return nil
}

func (m *mockFieldMappingRepository) GetByID(_ context.Context, id uuid.UUID) (*models.FieldMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.mappings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *mapping
	return &copied, nil
}

func (m *mockFieldMappingRepository) ListByConfig(_ context.Context, configID uuid.UUID) ([]*models.FieldMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.FieldMapping
	for _, mapping := range m.mappings {
		if mapping.ConfigID == configID {
			copied := *mapping
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ColumnIndex < out[j].ColumnIndex })
	return out, nil
}

func (m *mockFieldMappingRepository) Correct(_ context.Context, id uuid.UUID, targetField string, valueType models.FieldType, updatable bool) (*models.FieldMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.mappings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	mapping.TargetField = targetField
	mapping.ValueType = valueType
	mapping.Updatable = updatable
	mapping.Confidence = 1.0
	mapping.Manual = true
	mapping.Unmapped = false
	copied := *mapping
	return &copied, nil
}

type mockWebhookEventRepository struct {
	mu     sync.Mutex
	events map[uuid.UUID]*models.WebhookEvent
}

func newMockWebhookEventRepository() *mockWebhookEventRepository {
	return &mockWebhookEventRepository{events: make(map[uuid.UUID]*models.WebhookEvent)}
}

func (m *mockWebhookEventRepository) Create(_ context.Context, e *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	e.ReceivedAt = time.Now()
	copied := *e
	m.events[e.ID] = &copied
	return nil
}

func (m *mockWebhookEventRepository) GetByID(_ context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (m *mockWebhookEventRepository) UpdateStatus(_ context.Context, id uuid.UUID, status, errorDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	e.Status = status
	e.ErrorDetail = errorDetail
	switch status {
	case models.EventStatusApplied, models.EventStatusRejected, models.EventStatusFailed:
		now := time.Now()
		e.ProcessedAt = &now
	}
	return nil
}

func (m *mockWebhookEventRepository) ListByConfig(_ context.Context, configID uuid.UUID, status string, limit int) ([]*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WebhookEvent
	for _, e := range m.events {
		if e.ConfigID == configID && (status == "" || e.Status == status) {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockWebhookEventRepository) ListNonTerminal(_ context.Context) ([]*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.WebhookEvent
	for _, e := range m.events {
		if !e.IsTerminal() {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

type mockReverseSyncLogRepository struct {
	mu   sync.Mutex
	logs map[uuid.UUID]*models.ReverseSyncLog
	seq  int
}

func newMockReverseSyncLogRepository() *mockReverseSyncLogRepository {
	return &mockReverseSyncLogRepository{logs: make(map[uuid.UUID]*models.ReverseSyncLog)}
}

func (m *mockReverseSyncLogRepository) Create(_ context.Context, l *models.ReverseSyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = uuid.New()
	m.seq++
	l.CreatedAt = time.Unix(int64(m.seq), 0)
	copied := *l
	m.logs[l.ID] = &copied
	return nil
}

func (m *mockReverseSyncLogRepository) GetByID(_ context.Context, id uuid.UUID) (*models.ReverseSyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *l
	return &copied, nil
}

func (m *mockReverseSyncLogRepository) ListByConfig(_ context.Context, configID uuid.UUID, status string, limit int) ([]*models.ReverseSyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReverseSyncLog
	for _, l := range m.logs {
		if l.ConfigID == configID && (status == "" || l.Status == status) {
			copied := *l
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockReverseSyncLogRepository) ClaimDue(_ context.Context, limit int) ([]*models.ReverseSyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.ReverseSyncLog
	for _, l := range m.logs {
		switch {
		case l.Status == models.SyncStatusPending:
			due = append(due, l)
		case l.Status == models.SyncStatusRetrying &&
			l.NextAttemptAt != nil && !l.NextAttemptAt.After(time.Now()):
			due = append(due, l)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*models.ReverseSyncLog, 0, len(due))
	for _, l := range due {
		l.Status = models.SyncStatusSyncing
		copied := *l
		out = append(out, &copied)
	}
	return out, nil
}

func (m *mockReverseSyncLogRepository) MarkCompleted(_ context.Context, id uuid.UUID, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	l.Status = models.SyncStatusCompleted
	l.Response = response
	l.ErrorDetail = ""
	l.NextAttemptAt = nil
	l.SyncedAt = &now
	return nil
}

func (m *mockReverseSyncLogRepository) MarkFailed(_ context.Context, id uuid.UUID, errorDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	l.Status = models.SyncStatusFailed
	l.ErrorDetail = errorDetail
	l.NextAttemptAt = nil
	l.FailedAt = &now
	return nil
}

func (m *mockReverseSyncLogRepository) MarkRetrying(_ context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errorDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if retryCount > l.MaxRetries {
		return apperrors.ErrConflict
	}
	l.Status = models.SyncStatusRetrying
	l.RetryCount = retryCount
	l.NextAttemptAt = &nextAttemptAt
	l.ErrorDetail = errorDetail
	return nil
}

func (m *mockReverseSyncLogRepository) Release(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok || l.Status != models.SyncStatusSyncing {
		return apperrors.ErrNotFound
	}
	if l.RetryCount > 0 {
		now := time.Now()
		l.Status = models.SyncStatusRetrying
		l.NextAttemptAt = &now
	} else {
		l.Status = models.SyncStatusPending
	}
	return nil
}

func (m *mockReverseSyncLogRepository) RequeueFailed(_ context.Context, configID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.logs {
		if l.ConfigID == configID && l.Status == models.SyncStatusFailed {
			l.Status = models.SyncStatusPending
			l.RetryCount = 0
			l.ErrorDetail = ""
			l.NextAttemptAt = nil
			l.FailedAt = nil
			n++
		}
	}
	return n, nil
}

type mockLookupValueRepository struct {
	mu     sync.Mutex
	values map[string][]models.LookupValue
}

func newMockLookupValueRepository() *mockLookupValueRepository {
	return &mockLookupValueRepository{values: make(map[string][]models.LookupValue)}
}

func (m *mockLookupValueRepository) ReplaceAll(_ context.Context, entityType string, values []models.LookupValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[entityType] = append([]models.LookupValue(nil), values...)
	return nil
}

func (m *mockLookupValueRepository) GetByEntity(_ context.Context, entityType string) ([]models.LookupValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LookupValue(nil), m.values[entityType]...), nil
}

func (m *mockLookupValueRepository) GetAll(_ context.Context) ([]models.LookupValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LookupValue
	for _, values := range m.values {
		out = append(out, values...)
	}
	return out, nil
}
