package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/testhelpers"
)

// setupRepos returns repositories bound to the shared test container and
// wipes all tables after the test.
func setupRepos(t *testing.T) *testhelpers.TestDB {
	t.Helper()
	testDB := testhelpers.GetTestDB(t)

	t.Cleanup(func() {
		_, err := testDB.DB.Exec(context.Background(), `
			TRUNCATE sync_configs, field_mappings, watermark_states, crm_records,
			         webhook_events, reverse_sync_logs, lookup_values, sync_history
			CASCADE`)
		require.NoError(t, err)
	})

	return testDB
}

func createTestConfig(t *testing.T, repo SyncConfigRepository) *models.SyncConfig {
	t.Helper()
	cfg := &models.SyncConfig{
		UserID:     "u-" + uuid.NewString(),
		DocumentID: "doc1",
		TabID:      "tab1",
		EntityType: "contacts",
		Enabled:    true,
	}
	require.NoError(t, repo.Create(context.Background(), cfg))
	return cfg
}

func TestSyncConfigRepository_Integration(t *testing.T) {
	testDB := setupRepos(t)
	repo := NewSyncConfigRepository(testDB.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, repo)
	assert.NotEqual(t, uuid.Nil, cfg.ID)

	// Same tuple conflicts.
	dup := &models.SyncConfig{
		UserID:     cfg.UserID,
		DocumentID: cfg.DocumentID,
		TabID:      cfg.TabID,
		EntityType: cfg.EntityType,
	}
	assert.ErrorIs(t, repo.Create(ctx, dup), apperrors.ErrConflict)

	// Failure streak disables at the threshold.
	var disabled bool
	for i := 0; i < models.MaxConsecutiveErrors; i++ {
		var err error
		disabled, err = repo.RecordFailure(ctx, cfg.ID, "portal unreachable")
		require.NoError(t, err)
	}
	assert.True(t, disabled, "config disables after the error streak")

	loaded, err := repo.GetByID(ctx, cfg.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Enabled)
	assert.Equal(t, models.MaxConsecutiveErrors, loaded.ErrorCount)

	// Re-enabling clears the streak.
	require.NoError(t, repo.SetEnabled(ctx, cfg.ID, true))
	loaded, err = repo.GetByID(ctx, cfg.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Enabled)
	assert.Zero(t, loaded.ErrorCount)
}

func TestFieldMappingRepository_Integration(t *testing.T) {
	testDB := setupRepos(t)
	configs := NewSyncConfigRepository(testDB.DB)
	repo := NewFieldMappingRepository(testDB.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, configs)

	detected := &models.FieldMapping{
		ConfigID:    cfg.ID,
		ColumnIndex: 1,
		ColumnName:  "Name",
		TargetField: "NAME",
		ValueType:   models.FieldTypeString,
		Updatable:   true,
		Confidence:  0.9,
	}
	require.NoError(t, repo.UpsertDetected(ctx, detected))
	require.NotEqual(t, uuid.Nil, detected.ID)

	// Manual correction wins over later re-detection.
	corrected, err := repo.Correct(ctx, detected.ID, "LAST_NAME", models.FieldTypeString, true)
	require.NoError(t, err)
	assert.True(t, corrected.Manual)
	assert.Equal(t, 1.0, corrected.Confidence)

	redetected := &models.FieldMapping{
		ConfigID:    cfg.ID,
		ColumnIndex: 1,
		ColumnName:  "Name",
		TargetField: "NAME",
		ValueType:   models.FieldTypeString,
		Confidence:  0.8,
	}
	require.NoError(t, repo.UpsertDetected(ctx, redetected))
	assert.Equal(t, "LAST_NAME", redetected.TargetField, "manual mapping survives re-detection")
	assert.True(t, redetected.Manual)

	mappings, err := repo.ListByConfig(ctx, cfg.ID)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
}

func TestWatermarkRepository_Integration(t *testing.T) {
	testDB := setupRepos(t)
	repo := NewWatermarkRepository(testDB.DB)
	ctx := context.Background()

	// Missing rows read as the zero state.
	state, err := repo.Get(ctx, "leads")
	require.NoError(t, err)
	assert.True(t, state.Watermark.IsZero() || state.Watermark.Unix() == 0)

	t1 := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	advanced, err := repo.Advance(ctx, "leads", t1, 63)
	require.NoError(t, err)
	assert.True(t, advanced)

	// Advancing backwards is a no-op.
	advanced, err = repo.Advance(ctx, "leads", t1.Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.False(t, advanced)

	state, err = repo.Get(ctx, "leads")
	require.NoError(t, err)
	assert.True(t, state.Watermark.Equal(t1))

	require.NoError(t, repo.Reset(ctx, "leads"))
	state, err = repo.Get(ctx, "leads")
	require.NoError(t, err)
	assert.True(t, state.Watermark.Unix() == 0)
}

func TestCRMRecordRepository_Integration(t *testing.T) {
	testDB := setupRepos(t)
	repo := NewCRMRecordRepository(testDB.DB)
	ctx := context.Background()

	fields := map[string]any{"NAME": "Jane", "EMAIL": "jane@example.com"}
	modified := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	changed, err := repo.Upsert(ctx, "contacts", "23", fields, "fp-1", modified)
	require.NoError(t, err)
	assert.True(t, changed)

	// Identical fingerprint is a no-op.
	changed, err = repo.Upsert(ctx, "contacts", "23", fields, "fp-1", modified)
	require.NoError(t, err)
	assert.False(t, changed)

	// Content change writes through.
	changed, err = repo.Upsert(ctx, "contacts", "23",
		map[string]any{"NAME": "John"}, "fp-2", modified.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)

	rec, err := repo.Get(ctx, "contacts", "23")
	require.NoError(t, err)
	assert.Equal(t, "John", rec.Fields["NAME"])

	count, err := repo.CountByEntity(ctx, "contacts")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReverseSyncLogRepository_Integration(t *testing.T) {
	testDB := setupRepos(t)
	configs := NewSyncConfigRepository(testDB.DB)
	events := NewWebhookEventRepository(testDB.DB)
	repo := NewReverseSyncLogRepository(testDB.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, configs)
	event := &models.WebhookEvent{
		ConfigID: cfg.ID,
		Kind:     models.EventRowEdited,
		RowID:    4,
		Payload:  []byte(`{}`),
		Status:   models.EventStatusReceived,
	}
	require.NoError(t, events.Create(ctx, event))

	intent := &models.ReverseSyncLog{
		ConfigID:   cfg.ID,
		EventID:    event.ID,
		EntityType: "contacts",
		EntityID:   "23",
		ChangedFields: map[string]models.FieldChange{
			"NAME": {Old: "Jane", New: "John"},
		},
		Status:     models.SyncStatusPending,
		MaxRetries: 3,
	}
	require.NoError(t, repo.Create(ctx, intent))

	claimed, err := repo.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, models.SyncStatusSyncing, claimed[0].Status)
	assert.Equal(t, models.FieldChange{Old: "Jane", New: "John"}, claimed[0].ChangedFields["NAME"])

	// A claimed row is invisible to concurrent claims.
	again, err := repo.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Transient failure schedules a retry; a due retry is claimable again.
	require.NoError(t, repo.MarkRetrying(ctx, intent.ID, 1, time.Now().Add(-time.Second), "HTTP 429"))
	claimed, err = repo.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].RetryCount)

	require.NoError(t, repo.MarkCompleted(ctx, intent.ID, `true`))
	final, err := repo.GetByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, final.Status)
	assert.NotNil(t, final.SyncedAt)

	// Retry counter can never pass the budget.
	err = repo.MarkRetrying(ctx, intent.ID, 99, time.Now(), "boom")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestReverseSyncLogRepository_RequeueFailed_Integration(t *testing.T) {
	testDB := setupRepos(t)
	configs := NewSyncConfigRepository(testDB.DB)
	events := NewWebhookEventRepository(testDB.DB)
	repo := NewReverseSyncLogRepository(testDB.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, configs)
	event := &models.WebhookEvent{
		ConfigID: cfg.ID,
		Kind:     models.EventRowEdited,
		RowID:    1,
		Payload:  []byte(`{}`),
		Status:   models.EventStatusReceived,
	}
	require.NoError(t, events.Create(ctx, event))

	intent := &models.ReverseSyncLog{
		ConfigID:      cfg.ID,
		EventID:       event.ID,
		EntityType:    "contacts",
		EntityID:      "23",
		ChangedFields: map[string]models.FieldChange{"NAME": {Old: "a", New: "b"}},
		Status:        models.SyncStatusPending,
		MaxRetries:    3,
	}
	require.NoError(t, repo.Create(ctx, intent))

	claimed, err := repo.ClaimDue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, repo.MarkFailed(ctx, intent.ID, "HTTP 401"))

	n, err := repo.RequeueFailed(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	requeued, err := repo.GetByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, requeued.Status)
	assert.Zero(t, requeued.RetryCount)
}

func TestWebhookEventRepository_Integration(t *testing.T) {
	testDB := setupRepos(t)
	configs := NewSyncConfigRepository(testDB.DB)
	repo := NewWebhookEventRepository(testDB.DB)
	ctx := context.Background()

	cfg := createTestConfig(t, configs)

	event := &models.WebhookEvent{
		ConfigID: cfg.ID,
		Kind:     models.EventRowEdited,
		RowID:    4,
		Payload:  []byte(`{"event_kind":"row_edited","row_id":4}`),
		Status:   models.EventStatusReceived,
	}
	require.NoError(t, repo.Create(ctx, event))

	// A freshly received event is picked up by the restart scan.
	stranded, err := repo.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, event.ID, stranded[0].ID)

	// Terminal statuses stamp processed_at.
	require.NoError(t, repo.UpdateStatus(ctx, event.ID, models.EventStatusApplied, ""))
	loaded, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusApplied, loaded.Status)
	assert.NotNil(t, loaded.ProcessedAt)

	listed, err := repo.ListByConfig(ctx, cfg.ID, models.EventStatusApplied, 10)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	listed, err = repo.ListByConfig(ctx, cfg.ID, models.EventStatusRejected, 10)
	require.NoError(t, err)
	assert.Empty(t, listed)

	// Terminal events leave the restart scan.
	stranded, err = repo.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, stranded)
}

func TestLookupValueRepository_Integration(t *testing.T) {
	testDB := setupRepos(t)
	repo := NewLookupValueRepository(testDB.DB)
	ctx := context.Background()

	require.NoError(t, repo.ReplaceAll(ctx, "leads", []models.LookupValue{
		{EntityType: "leads", StatusCode: "NEW", Name: "New Lead"},
		{EntityType: "leads", StatusCode: "CONVERTED", Name: "Converted"},
	}))

	// A second replace fully swaps the set.
	require.NoError(t, repo.ReplaceAll(ctx, "leads", []models.LookupValue{
		{EntityType: "leads", StatusCode: "NEW", Name: "Fresh Lead"},
	}))

	values, err := repo.GetByEntity(ctx, "leads")
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "Fresh Lead", values[0].Name)
}
