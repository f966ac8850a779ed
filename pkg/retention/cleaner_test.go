package retention_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclight-ai/llmmeter/pkg/model"
	"github.com/arclight-ai/llmmeter/pkg/retention"
	"github.com/arclight-ai/llmmeter/pkg/storage"
)

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedUsage(t *testing.T, store *storage.SQLite, createdAt time.Time) {
	t.Helper()
	rec := model.UsageRecord{Model: "gpt-4o", Success: true, CreatedAt: createdAt}
	require.NoError(t, store.InsertUsage(context.Background(), &rec))
}

func seedSeries(t *testing.T, store *storage.SQLite, bucket time.Time) {
	t.Helper()
	row := model.SeriesRow{
		Granularity: model.GranularityDay, Bucket: bucket, Model: "gpt-4o",
		CallCount: 1, SuccessCount: 1, CostCurrency: "USD",
	}
	require.NoError(t, store.UpsertSeriesRow(context.Background(), &row))
}

func saveSettings(t *testing.T, store *storage.SQLite, days int, enabled bool) {
	t.Helper()
	s := model.DefaultRetentionSettings()
	s.RetentionDays = days
	s.CleanupEnabled = enabled
	require.NoError(t, store.SaveRetentionSettings(context.Background(), &s))
}

func TestCleaner_DeletesExpiredRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	saveSettings(t, store, 30, true)

	seedUsage(t, store, now.AddDate(0, 0, -60)) // expired
	seedUsage(t, store, now.AddDate(0, 0, -31)) // expired
	seedUsage(t, store, now.AddDate(0, 0, -10)) // kept
	seedUsage(t, store, now)                    // kept
	seedSeries(t, store, now.AddDate(0, 0, -45)) // expired
	seedSeries(t, store, now.AddDate(0, 0, -5))  // kept

	cleaner := retention.NewCleaner(store, nil)
	result, err := cleaner.Run(ctx)
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, int64(2), result.DeletedUsage)
	assert.Equal(t, int64(1), result.DeletedSeries)
	assert.WithinDuration(t, now.AddDate(0, 0, -30), result.Cutoff, 5*time.Second)

	_, total, err := store.ListUsage(ctx, model.UsageFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	rows, err := store.SeriesRows(ctx, model.GranularityDay, now.AddDate(0, 0, -90), now)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCleaner_DisabledIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	saveSettings(t, store, 30, false)
	seedUsage(t, store, now.AddDate(0, 0, -60))

	cleaner := retention.NewCleaner(store, nil)
	result, err := cleaner.Run(ctx)
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.Zero(t, result.DeletedUsage)

	_, total, err := store.ListUsage(ctx, model.UsageFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestCleaner_DefaultSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// No settings saved: the 365-day default applies.
	seedUsage(t, store, now.AddDate(0, 0, -400))
	seedUsage(t, store, now.AddDate(0, 0, -100))

	cleaner := retention.NewCleaner(store, nil)
	result, err := cleaner.Run(ctx)
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, int64(1), result.DeletedUsage)
}

func TestCleaner_LargeBatchedDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	saveSettings(t, store, 7, true)
	for range 25 {
		seedUsage(t, store, now.AddDate(0, 0, -30))
	}

	cleaner := retention.NewCleaner(store, nil).WithBatchSize(10)
	result, err := cleaner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), result.DeletedUsage)

	_, total, err := store.ListUsage(ctx, model.UsageFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}
