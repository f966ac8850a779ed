package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arclight-ai/llmmeter/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLite implements the Storage interface using an SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates an SQLite database at the given path.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) InsertUsage(ctx context.Context, record *model.UsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.CostCurrency == "" {
		record.CostCurrency = model.DefaultCostCurrency
	}
	if record.Metadata == "" {
		record.Metadata = "{}"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, user_id, model, prompt_tokens, completion_tokens,
		   total_tokens, cached_tokens, reasoning_tokens, cost, cost_currency,
		   success, error, is_streaming, started_at, first_chunk_at, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.Model,
		record.PromptTokens, record.CompletionTokens, record.TotalTokens,
		record.CachedTokens, record.ReasoningTokens,
		nullFloat(record.Cost), record.CostCurrency,
		record.Success, nullString(record.Error), record.IsStreaming,
		nullTime(record.StartedAt), nullTime(record.FirstChunkAt),
		record.CreatedAt.UTC(), record.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const usageColumns = `id, user_id, model, prompt_tokens, completion_tokens,
	total_tokens, cached_tokens, reasoning_tokens, cost, cost_currency,
	success, error, is_streaming, started_at, first_chunk_at, created_at, metadata`

func (s *SQLite) ListUsage(ctx context.Context, filter model.UsageFilter) ([]model.UsageRecord, int64, error) {
	where, args := buildUsageWhere(filter)

	countQuery := "SELECT COUNT(*) FROM usage_records"
	if where != "" {
		countQuery += " WHERE " + where
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count usage: %w", err)
	}

	query := "SELECT " + usageColumns + " FROM usage_records"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	records, err := s.queryUsage(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (s *SQLite) UsageInWindow(ctx context.Context, start, end time.Time) ([]model.UsageRecord, error) {
	query := "SELECT " + usageColumns +
		" FROM usage_records WHERE created_at >= ? AND created_at <= ? ORDER BY created_at"
	return s.queryUsage(ctx, query, start.UTC(), end.UTC())
}

func (s *SQLite) queryUsage(ctx context.Context, query string, args ...any) ([]model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []model.UsageRecord
	for rows.Next() {
		var (
			r            model.UsageRecord
			cost         sql.NullFloat64
			errMsg       sql.NullString
			startedAt    sql.NullTime
			firstChunkAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.CachedTokens, &r.ReasoningTokens, &cost, &r.CostCurrency,
			&r.Success, &errMsg, &r.IsStreaming,
			&startedAt, &firstChunkAt, &r.CreatedAt, &r.Metadata); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		if cost.Valid {
			v := cost.Float64
			r.Cost = &v
		}
		r.Error = errMsg.String
		if startedAt.Valid {
			t := startedAt.Time.UTC()
			r.StartedAt = &t
		}
		if firstChunkAt.Valid {
			t := firstChunkAt.Time.UTC()
			r.FirstChunkAt = &t
		}
		r.CreatedAt = r.CreatedAt.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLite) SummarizeUsage(ctx context.Context, filter model.StatsFilter) (*model.Summary, error) {
	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
		COALESCE(SUM(prompt_tokens), 0),
		COALESCE(SUM(completion_tokens), 0),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(cached_tokens), 0),
		COALESCE(SUM(reasoning_tokens), 0),
		COALESCE(SUM(cost), 0)
	FROM usage_records`
	where, args := buildStatsWhere(filter)
	if where != "" {
		query += " WHERE " + where
	}

	summary := &model.Summary{CostCurrency: model.DefaultCostCurrency}
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&summary.TotalCalls, &summary.SuccessfulCalls, &summary.FailedCalls,
		&summary.PromptTokens, &summary.CompletionTokens, &summary.TotalTokens,
		&summary.CachedTokens, &summary.ReasoningTokens, &summary.TotalCost,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	return summary, nil
}

func (s *SQLite) SummarizeUsageByModel(ctx context.Context, filter model.StatsFilter) ([]model.ModelStats, error) {
	query := `SELECT model,
		COUNT(*),
		COALESCE(SUM(prompt_tokens), 0),
		COALESCE(SUM(completion_tokens), 0),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(cached_tokens), 0),
		COALESCE(SUM(reasoning_tokens), 0),
		COALESCE(SUM(cost), 0)
	FROM usage_records`
	where, args := buildStatsWhere(filter)
	if where != "" {
		query += " WHERE " + where
	}
	query += " GROUP BY model ORDER BY SUM(total_tokens) DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize by model: %w", err)
	}
	defer rows.Close()

	var out []model.ModelStats
	for rows.Next() {
		m := model.ModelStats{CostCurrency: model.DefaultCostCurrency}
		if err := rows.Scan(&m.Model, &m.TotalCalls,
			&m.PromptTokens, &m.CompletionTokens, &m.TotalTokens,
			&m.CachedTokens, &m.ReasoningTokens, &m.TotalCost); err != nil {
			return nil, fmt.Errorf("scan model stats: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteUsageBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return s.batchDelete(ctx, "usage_records", "created_at", cutoff, batchSize)
}

// batchDelete removes rows with column < cutoff in batches so a large
// purge does not hold the write lock for the whole run.
func (s *SQLite) batchDelete(ctx context.Context, table, column string, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, column), cutoff.UTC())
		if err != nil {
			return 0, fmt.Errorf("delete from %s: %w", table, err)
		}
		return res.RowsAffected()
	}

	var deleted int64
	for {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE rowid IN
				(SELECT rowid FROM %s WHERE %s < ? LIMIT ?)`, table, table, column),
			cutoff.UTC(), batchSize)
		if err != nil {
			return deleted, fmt.Errorf("delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("check rows affected: %w", err)
		}
		deleted += n
		if n < int64(batchSize) {
			return deleted, nil
		}
	}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// buildUsageWhere constructs a WHERE clause for the usage listing.
func buildUsageWhere(filter model.UsageFilter) (string, []any) {
	var conditions []string
	var args []any

	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Model != "" {
		conditions = append(conditions, "model LIKE ?")
		args = append(args, "%"+filter.Model+"%")
	}
	if filter.Success != nil {
		conditions = append(conditions, "success = ?")
		args = append(args, *filter.Success)
	}
	if !filter.Start.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Start.UTC())
	}
	if !filter.End.IsZero() {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, filter.End.UTC())
	}

	return strings.Join(conditions, " AND "), args
}

// buildStatsWhere constructs a WHERE clause for stats queries. The end of
// the window is inclusive.
func buildStatsWhere(filter model.StatsFilter) (string, []any) {
	var conditions []string
	var args []any

	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if !filter.Start.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Start.UTC())
	}
	if !filter.End.IsZero() {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, filter.End.UTC())
	}

	return strings.Join(conditions, " AND "), args
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
