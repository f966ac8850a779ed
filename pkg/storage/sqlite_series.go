package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arclight-ai/llmmeter/pkg/model"
)

func (s *SQLite) UpsertSeriesRow(ctx context.Context, row *model.SeriesRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_series (granularity, bucket, model, call_count, success_count,
		   avg_e2e_latency_sec, avg_ttft_sec, avg_output_tps,
		   prompt_tokens, completion_tokens, total_tokens, cached_tokens, reasoning_tokens,
		   total_cost, cost_currency, mixed_currency)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(granularity, bucket, model) DO UPDATE SET
		   call_count = excluded.call_count,
		   success_count = excluded.success_count,
		   avg_e2e_latency_sec = excluded.avg_e2e_latency_sec,
		   avg_ttft_sec = excluded.avg_ttft_sec,
		   avg_output_tps = excluded.avg_output_tps,
		   prompt_tokens = excluded.prompt_tokens,
		   completion_tokens = excluded.completion_tokens,
		   total_tokens = excluded.total_tokens,
		   cached_tokens = excluded.cached_tokens,
		   reasoning_tokens = excluded.reasoning_tokens,
		   total_cost = excluded.total_cost,
		   cost_currency = excluded.cost_currency,
		   mixed_currency = excluded.mixed_currency`,
		string(row.Granularity), row.Bucket.UTC(), row.Model,
		row.CallCount, row.SuccessCount,
		nullFloat(row.AvgE2ELatencySec), nullFloat(row.AvgTTFTSec), nullFloat(row.AvgOutputTPS),
		row.PromptTokens, row.CompletionTokens, row.TotalTokens,
		row.CachedTokens, row.ReasoningTokens,
		nullFloat(row.TotalCost), row.CostCurrency, row.MixedCurrency,
	)
	if err != nil {
		return fmt.Errorf("upsert series row: %w", err)
	}
	return nil
}

func (s *SQLite) SeriesRows(ctx context.Context, g model.Granularity, start, end time.Time) ([]model.SeriesRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT granularity, bucket, model, call_count, success_count,
		   avg_e2e_latency_sec, avg_ttft_sec, avg_output_tps,
		   prompt_tokens, completion_tokens, total_tokens, cached_tokens, reasoning_tokens,
		   total_cost, cost_currency, mixed_currency
		 FROM usage_series
		 WHERE granularity = ? AND bucket >= ? AND bucket <= ?
		 ORDER BY bucket, model`,
		string(g), start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query series rows: %w", err)
	}
	defer rows.Close()

	var out []model.SeriesRow
	for rows.Next() {
		var (
			r            model.SeriesRow
			gran         string
			avgE2E       sql.NullFloat64
			avgTTFT      sql.NullFloat64
			avgTPS       sql.NullFloat64
			totalCost    sql.NullFloat64
		)
		if err := rows.Scan(&gran, &r.Bucket, &r.Model, &r.CallCount, &r.SuccessCount,
			&avgE2E, &avgTTFT, &avgTPS,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.CachedTokens, &r.ReasoningTokens,
			&totalCost, &r.CostCurrency, &r.MixedCurrency); err != nil {
			return nil, fmt.Errorf("scan series row: %w", err)
		}
		r.Granularity = model.Granularity(gran)
		r.Bucket = r.Bucket.UTC()
		if avgE2E.Valid {
			v := avgE2E.Float64
			r.AvgE2ELatencySec = &v
		}
		if avgTTFT.Valid {
			v := avgTTFT.Float64
			r.AvgTTFTSec = &v
		}
		if avgTPS.Valid {
			v := avgTPS.Float64
			r.AvgOutputTPS = &v
		}
		if totalCost.Valid {
			v := totalCost.Float64
			r.TotalCost = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteSeriesBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return s.batchDelete(ctx, "usage_series", "bucket", cutoff, batchSize)
}

func (s *SQLite) RetentionSettings(ctx context.Context) (*model.RetentionSettings, error) {
	var out model.RetentionSettings
	err := s.db.QueryRowContext(ctx,
		`SELECT retention_days, cleanup_enabled, cleanup_schedule, aggregation_schedule, updated_at
		 FROM retention_settings WHERE id = 1`,
	).Scan(&out.RetentionDays, &out.CleanupEnabled,
		&out.CleanupSchedule, &out.AggregationSchedule, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		defaults := model.DefaultRetentionSettings()
		return &defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get retention settings: %w", err)
	}
	out.UpdatedAt = out.UpdatedAt.UTC()
	return &out, nil
}

func (s *SQLite) SaveRetentionSettings(ctx context.Context, settings *model.RetentionSettings) error {
	settings.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retention_settings (id, retention_days, cleanup_enabled, cleanup_schedule, aggregation_schedule, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   retention_days = excluded.retention_days,
		   cleanup_enabled = excluded.cleanup_enabled,
		   cleanup_schedule = excluded.cleanup_schedule,
		   aggregation_schedule = excluded.aggregation_schedule,
		   updated_at = excluded.updated_at`,
		settings.RetentionDays, settings.CleanupEnabled,
		settings.CleanupSchedule, settings.AggregationSchedule, settings.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save retention settings: %w", err)
	}
	return nil
}
