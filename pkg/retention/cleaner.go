package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arclight-ai/llmmeter/pkg/storage"
)

// DefaultBatchSize bounds how many rows one DELETE touches, keeping the
// write lock short on busy databases.
const DefaultBatchSize = 5000

// Result reports what one cleanup run did. Skipped means retention was
// disabled or unset and nothing was touched.
type Result struct {
	Skipped       bool      `json:"skipped"`
	Cutoff        time.Time `json:"cutoff,omitempty"`
	DeletedUsage  int64     `json:"deleted_usage"`
	DeletedSeries int64     `json:"deleted_series"`
}

// Cleaner purges usage records and series rows older than the configured
// retention window. Settings are re-read from storage on every run so
// administrative changes apply without a restart.
type Cleaner struct {
	store     storage.Storage
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

func NewCleaner(store storage.Storage, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		store:     store,
		logger:    logger,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
}

// WithBatchSize overrides the delete batch size. Zero or negative deletes
// everything in one statement.
func (c *Cleaner) WithBatchSize(n int) *Cleaner {
	c.batchSize = n
	return c
}

// Run executes one cleanup pass and returns what it deleted.
func (c *Cleaner) Run(ctx context.Context) (*Result, error) {
	settings, err := c.store.RetentionSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load retention settings: %w", err)
	}

	if !settings.CleanupEnabled || settings.RetentionDays <= 0 {
		c.logger.Debug("cleanup disabled, skipping")
		return &Result{Skipped: true}, nil
	}

	cutoff := c.now().UTC().AddDate(0, 0, -settings.RetentionDays)
	result := &Result{Cutoff: cutoff}

	result.DeletedUsage, err = c.store.DeleteUsageBefore(ctx, cutoff, c.batchSize)
	if err != nil {
		return result, fmt.Errorf("delete usage records: %w", err)
	}
	result.DeletedSeries, err = c.store.DeleteSeriesBefore(ctx, cutoff, c.batchSize)
	if err != nil {
		return result, fmt.Errorf("delete series rows: %w", err)
	}

	c.logger.Info("cleanup complete",
		"cutoff", cutoff,
		"deleted_usage", result.DeletedUsage,
		"deleted_series", result.DeletedSeries)
	return result, nil
}
