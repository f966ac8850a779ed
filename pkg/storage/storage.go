package storage

import (
	"context"
	"errors"
	"time"

	"github.com/arclight-ai/llmmeter/pkg/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Storage defines the persistence layer for usage records, provider
// configurations, pre-aggregated series and retention settings.
type Storage interface {
	// InsertUsage persists a single usage record (append-only).
	InsertUsage(ctx context.Context, record *model.UsageRecord) error

	// ListUsage returns usage records matching the filter, newest first,
	// plus the total match count for pagination.
	ListUsage(ctx context.Context, filter model.UsageFilter) ([]model.UsageRecord, int64, error)

	// UsageInWindow returns all usage records with created_at in
	// [start, end], ordered by created_at.
	UsageInWindow(ctx context.Context, start, end time.Time) ([]model.UsageRecord, error)

	// SummarizeUsage returns aggregate totals for the filter window.
	SummarizeUsage(ctx context.Context, filter model.StatsFilter) (*model.Summary, error)

	// SummarizeUsageByModel returns per-model totals, most tokens first.
	SummarizeUsageByModel(ctx context.Context, filter model.StatsFilter) ([]model.ModelStats, error)

	// DeleteUsageBefore removes usage records created before cutoff in
	// batches of batchSize and returns the number deleted.
	DeleteUsageBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)

	// InsertConfig persists a new provider configuration.
	InsertConfig(ctx context.Context, cfg *model.ProviderConfig) error

	// UpdateConfig rewrites an existing provider configuration.
	UpdateConfig(ctx context.Context, cfg *model.ProviderConfig) error

	// DeleteConfig removes a provider configuration by id.
	DeleteConfig(ctx context.Context, id string) error

	// GetConfig returns one provider configuration by id.
	GetConfig(ctx context.Context, id string) (*model.ProviderConfig, error)

	// ListConfigs returns all configurations for a scope (and user for
	// user scope), in creation order, including inactive ones.
	ListConfigs(ctx context.Context, scope model.ConfigScope, userID string) ([]model.ProviderConfig, error)

	// ActiveConfigs returns active configurations for a scope in
	// resolution order: global scope puts default-flagged rows first,
	// then earliest created.
	ActiveConfigs(ctx context.Context, scope model.ConfigScope, userID string) ([]model.ProviderConfig, error)

	// SetDefaultConfig flags one global configuration as default and
	// clears the flag on every other global row.
	SetDefaultConfig(ctx context.Context, id string) error

	// UpsertSeriesRow writes a series row, replacing any existing row
	// with the same (granularity, bucket, model) key.
	UpsertSeriesRow(ctx context.Context, row *model.SeriesRow) error

	// SeriesRows returns series rows for a granularity with bucket in
	// [start, end], ordered by bucket then model.
	SeriesRows(ctx context.Context, g model.Granularity, start, end time.Time) ([]model.SeriesRow, error)

	// DeleteSeriesBefore removes series rows with bucket before cutoff in
	// batches of batchSize and returns the number deleted.
	DeleteSeriesBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)

	// RetentionSettings returns the stored retention/schedule record, or
	// the defaults when none has been saved yet.
	RetentionSettings(ctx context.Context) (*model.RetentionSettings, error)

	// SaveRetentionSettings creates or replaces the retention record.
	SaveRetentionSettings(ctx context.Context, s *model.RetentionSettings) error

	// Close releases resources.
	Close() error
}
