package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclight-ai/llmmeter/pkg/model"
	"github.com/arclight-ai/llmmeter/pkg/storage"
)

func newTestDB(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func fp(v float64) *float64 { return &v }

func TestInsertUsage_Defaults(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	rec := model.UsageRecord{Model: "gpt-4o", Success: true}
	require.NoError(t, store.InsertUsage(ctx, &rec))

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, "USD", rec.CostCurrency)

	records, total, err := store.ListUsage(ctx, model.UsageFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Nil(t, records[0].Cost)
	assert.Equal(t, "{}", records[0].Metadata)
}

func TestInsertUsage_RoundTrip(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	firstChunk := started.Add(300 * time.Millisecond)
	rec := model.UsageRecord{
		UserID:           "alice",
		Model:            "gpt-4o",
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		CachedTokens:     20,
		ReasoningTokens:  5,
		Cost:             fp(0.0125),
		CostCurrency:     "USD",
		Success:          true,
		IsStreaming:      true,
		StartedAt:        &started,
		FirstChunkAt:     &firstChunk,
		CreatedAt:        started.Add(3 * time.Second),
		Metadata:         `{"source":"test"}`,
	}
	require.NoError(t, store.InsertUsage(ctx, &rec))

	records, _, err := store.ListUsage(ctx, model.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, rec.UserID, got.UserID)
	assert.Equal(t, rec.TotalTokens, got.TotalTokens)
	assert.Equal(t, rec.ReasoningTokens, got.ReasoningTokens)
	require.NotNil(t, got.Cost)
	assert.InDelta(t, 0.0125, *got.Cost, 1e-9)
	assert.True(t, got.IsStreaming)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
	require.NotNil(t, got.FirstChunkAt)
	assert.True(t, got.FirstChunkAt.Equal(firstChunk))
	assert.Equal(t, `{"source":"test"}`, got.Metadata)
}

func TestListUsage_FiltersAndPagination(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	seed := []model.UsageRecord{
		{UserID: "alice", Model: "gpt-4o", Success: true, CreatedAt: base},
		{UserID: "alice", Model: "gpt-4o-mini", Success: false, CreatedAt: base.Add(time.Minute)},
		{UserID: "bob", Model: "claude-3.5-sonnet", Success: true, CreatedAt: base.Add(2 * time.Minute)},
	}
	for i := range seed {
		require.NoError(t, store.InsertUsage(ctx, &seed[i]))
	}

	_, total, err := store.ListUsage(ctx, model.UsageFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	// Substring match on model.
	records, total, err := store.ListUsage(ctx, model.UsageFilter{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, records, 2)

	ok := true
	_, total, err = store.ListUsage(ctx, model.UsageFilter{Success: &ok})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	_, total, err = store.ListUsage(ctx, model.UsageFilter{
		Start: base.Add(time.Minute), End: base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	// Pagination keeps the full match count.
	records, total, err = store.ListUsage(ctx, model.UsageFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, records, 1)
	// Newest first: offset 2 lands on the oldest.
	assert.Equal(t, "gpt-4o", records[0].Model)
}

func TestUsageInWindow(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	for _, offset := range []time.Duration{0, time.Hour, 2 * time.Hour} {
		rec := model.UsageRecord{Model: "gpt-4o", Success: true, CreatedAt: base.Add(offset)}
		require.NoError(t, store.InsertUsage(ctx, &rec))
	}

	records, err := store.UsageInWindow(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2)
	// Oldest first.
	assert.True(t, records[0].CreatedAt.Before(records[1].CreatedAt))
}

func TestDeleteUsageBefore(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	for i := range 10 {
		rec := model.UsageRecord{Model: "gpt-4o", Success: true, CreatedAt: base.AddDate(0, 0, i)}
		require.NoError(t, store.InsertUsage(ctx, &rec))
	}

	// Batch size smaller than the match count exercises the loop.
	deleted, err := store.DeleteUsageBefore(ctx, base.AddDate(0, 0, 7), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)

	_, total, err := store.ListUsage(ctx, model.UsageFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	// Unbatched path.
	deleted, err = store.DeleteUsageBefore(ctx, base.AddDate(0, 1, 0), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}

func TestConfigs_CRUD(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	cfg := model.ProviderConfig{
		Scope:    model.ScopeGlobal,
		Provider: "openai",
		Params: model.ProviderParams{
			APIKey: "sk-1", Model: "gpt-4o", APIBase: "https://example.com/v1",
			Temperature: fp(0.2),
		},
		IsActive: true,
	}
	require.NoError(t, store.InsertConfig(ctx, &cfg))
	require.NotEmpty(t, cfg.ID)

	got, err := store.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got.Params.Model)
	require.NotNil(t, got.Params.Temperature)
	assert.InDelta(t, 0.2, *got.Params.Temperature, 1e-9)

	got.Params.Model = "gpt-4o-mini"
	got.IsActive = false
	require.NoError(t, store.UpdateConfig(ctx, got))

	got, err = store.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got.Params.Model)
	assert.False(t, got.IsActive)

	require.NoError(t, store.DeleteConfig(ctx, cfg.ID))
	_, err = store.GetConfig(ctx, cfg.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, store.DeleteConfig(ctx, "missing"), storage.ErrNotFound)
	assert.ErrorIs(t, store.UpdateConfig(ctx, &model.ProviderConfig{ID: "missing"}), storage.ErrNotFound)
}

func TestActiveConfigs_ResolutionOrder(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	early := model.ProviderConfig{
		Scope: model.ScopeGlobal, Provider: "openai",
		Params: model.ProviderParams{Model: "a"}, IsActive: true,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.InsertConfig(ctx, &early))
	deflt := model.ProviderConfig{
		Scope: model.ScopeGlobal, Provider: "openai",
		Params: model.ProviderParams{Model: "b"}, IsActive: true, IsDefault: true,
		CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.InsertConfig(ctx, &deflt))
	inactive := model.ProviderConfig{
		Scope: model.ScopeGlobal, Provider: "openai",
		Params: model.ProviderParams{Model: "c"}, IsActive: false,
	}
	require.NoError(t, store.InsertConfig(ctx, &inactive))

	active, err := store.ActiveConfigs(ctx, model.ScopeGlobal, "")
	require.NoError(t, err)
	require.Len(t, active, 2)
	// Default flag beats creation order.
	assert.Equal(t, deflt.ID, active[0].ID)
	assert.Equal(t, early.ID, active[1].ID)

	all, err := store.ListConfigs(ctx, model.ScopeGlobal, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSetDefaultConfig(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	a := model.ProviderConfig{Scope: model.ScopeGlobal, Provider: "openai",
		Params: model.ProviderParams{Model: "a"}, IsActive: true, IsDefault: true}
	require.NoError(t, store.InsertConfig(ctx, &a))
	b := model.ProviderConfig{Scope: model.ScopeGlobal, Provider: "openai",
		Params: model.ProviderParams{Model: "b"}, IsActive: true}
	require.NoError(t, store.InsertConfig(ctx, &b))
	userCfg := model.ProviderConfig{Scope: model.ScopeUser, UserID: "alice", Provider: "openai",
		Params: model.ProviderParams{Model: "c"}, IsActive: true}
	require.NoError(t, store.InsertConfig(ctx, &userCfg))

	require.NoError(t, store.SetDefaultConfig(ctx, b.ID))

	got, err := store.GetConfig(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDefault)
	got, err = store.GetConfig(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDefault)

	// Only global configs can carry the default flag.
	assert.Error(t, store.SetDefaultConfig(ctx, userCfg.ID))
	assert.ErrorIs(t, store.SetDefaultConfig(ctx, "missing"), storage.ErrNotFound)
}

func TestSeriesRows_UpsertAndRange(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	bucket := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	row := model.SeriesRow{
		Granularity: model.GranularityHour, Bucket: bucket, Model: "gpt-4o",
		CallCount: 3, SuccessCount: 2,
		AvgE2ELatencySec: fp(1.2345), AvgOutputTPS: fp(25.5),
		PromptTokens: 300, CompletionTokens: 150, TotalTokens: 450,
		TotalCost: fp(0.03), CostCurrency: "USD",
	}
	require.NoError(t, store.UpsertSeriesRow(ctx, &row))

	// Same key again replaces, never duplicates.
	row.CallCount = 4
	row.MixedCurrency = true
	require.NoError(t, store.UpsertSeriesRow(ctx, &row))

	rows, err := store.SeriesRows(ctx, model.GranularityHour, bucket, bucket)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(4), rows[0].CallCount)
	assert.True(t, rows[0].MixedCurrency)
	require.NotNil(t, rows[0].AvgE2ELatencySec)
	assert.InDelta(t, 1.2345, *rows[0].AvgE2ELatencySec, 1e-9)
	assert.Nil(t, rows[0].AvgTTFTSec)

	// Range excludes other buckets and granularities.
	rows, err = store.SeriesRows(ctx, model.GranularityHour, bucket.Add(time.Hour), bucket.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows)
	rows, err = store.SeriesRows(ctx, model.GranularityDay, bucket, bucket)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeleteSeriesBefore(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		row := model.SeriesRow{
			Granularity: model.GranularityDay, Bucket: base.AddDate(0, 0, i),
			Model: "gpt-4o", CallCount: 1, CostCurrency: "USD",
		}
		require.NoError(t, store.UpsertSeriesRow(ctx, &row))
	}

	deleted, err := store.DeleteSeriesBefore(ctx, base.AddDate(0, 0, 3), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	rows, err := store.SeriesRows(ctx, model.GranularityDay, base, base.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRetentionSettings_DefaultsAndSave(t *testing.T) {
	store := newTestDB(t)
	ctx := context.Background()

	settings, err := store.RetentionSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultRetentionDays, settings.RetentionDays)
	assert.True(t, settings.CleanupEnabled)
	assert.Equal(t, model.DefaultCleanupSchedule, settings.CleanupSchedule)
	assert.Equal(t, model.DefaultAggregationSchedule, settings.AggregationSchedule)

	settings.RetentionDays = 90
	settings.CleanupEnabled = false
	require.NoError(t, store.SaveRetentionSettings(ctx, settings))

	// Saving again overwrites the single record.
	settings.RetentionDays = 120
	require.NoError(t, store.SaveRetentionSettings(ctx, settings))

	got, err := store.RetentionSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 120, got.RetentionDays)
	assert.False(t, got.CleanupEnabled)
}
