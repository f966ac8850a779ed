package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arclight-ai/llmmeter/pkg/model"
	"github.com/arclight-ai/llmmeter/pkg/series"
	"github.com/arclight-ai/llmmeter/pkg/storage"
)

// ErrInvalidGranularity is returned for an unknown chart granularity.
var ErrInvalidGranularity = errors.New("invalid granularity")

// ViewGranularity is the chart window a caller asks for. Each view buckets
// its points one level finer: a day view by hour, a month view by day, a
// year view by month.
type ViewGranularity string

const (
	ViewDay   ViewGranularity = "day"
	ViewMonth ViewGranularity = "month"
	ViewYear  ViewGranularity = "year"
)

// ParseViewGranularity validates a view name. Absent is rejected like any
// other unknown value; callers that want a default supply one themselves.
func ParseViewGranularity(s string) (ViewGranularity, error) {
	switch ViewGranularity(s) {
	case ViewDay, ViewMonth, ViewYear:
		return ViewGranularity(s), nil
	}
	return "", fmt.Errorf("%w: %q (use day, month or year)", ErrInvalidGranularity, s)
}

// Bucket returns the series granularity a view's points are bucketed by.
func (v ViewGranularity) Bucket() model.Granularity {
	switch v {
	case ViewMonth:
		return model.GranularityDay
	case ViewYear:
		return model.GranularityMonth
	}
	return model.GranularityHour
}

// ParseTime parses an RFC 3339 timestamp or a bare date, which maps to the
// start of that day UTC.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ParseEndTime parses a window end. A bare date means the whole day: it
// maps to 23:59:59 of that day so the end stays inclusive.
func ParseEndTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Add(24*time.Hour - time.Second), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse end time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Engine answers stats queries over usage records and pre-aggregated
// series rows.
type Engine struct {
	store storage.Storage
	now   func() time.Time
}

func NewEngine(store storage.Storage) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Summary returns aggregate totals for the filter window.
func (e *Engine) Summary(ctx context.Context, filter model.StatsFilter) (*model.Summary, error) {
	return e.store.SummarizeUsage(ctx, filter)
}

// ByModel returns per-model totals for the filter window, most tokens
// first.
func (e *Engine) ByModel(ctx context.Context, filter model.StatsFilter) ([]model.ModelStats, error) {
	return e.store.SummarizeUsageByModel(ctx, filter)
}

// Series returns chart points computed from raw usage records, one point
// per expected bucket in the window. Buckets without traffic come back
// zero-valued rather than missing, so charts render contiguous axes. An
// unbounded start snaps to the earliest matching record; no records at all
// yields no points.
func (e *Engine) Series(ctx context.Context, view ViewGranularity, filter model.StatsFilter) ([]model.SeriesPoint, error) {
	if _, err := ParseViewGranularity(string(view)); err != nil {
		return nil, err
	}
	g := view.Bucket()

	end := filter.End
	if end.IsZero() {
		end = e.now().UTC()
	}

	records, _, err := e.store.ListUsage(ctx, model.UsageFilter{
		UserID: filter.UserID,
		Start:  filter.Start,
		End:    end,
	})
	if err != nil {
		return nil, fmt.Errorf("load usage for series: %w", err)
	}

	start := filter.Start
	if start.IsZero() {
		if len(records) == 0 {
			return []model.SeriesPoint{}, nil
		}
		// ListUsage is newest first; the window opens at the oldest record.
		start = records[len(records)-1].CreatedAt
	}

	byBucket := make(map[time.Time]*model.SeriesPoint)
	for _, r := range records {
		b := g.TruncateBucket(r.CreatedAt)
		p, ok := byBucket[b]
		if !ok {
			p = &model.SeriesPoint{Bucket: b}
			byBucket[b] = p
		}
		p.TotalCalls++
		p.PromptTokens += r.PromptTokens
		p.CompletionTokens += r.CompletionTokens
		p.TotalTokens += r.TotalTokens
		p.CachedTokens += r.CachedTokens
		p.ReasoningTokens += r.ReasoningTokens
		if r.Cost != nil {
			p.TotalCost += *r.Cost
		}
	}

	var points []model.SeriesPoint
	last := g.TruncateBucket(end)
	for b := g.TruncateBucket(start); !b.After(last); b = g.Next(b) {
		if p, ok := byBucket[b]; ok {
			points = append(points, *p)
		} else {
			points = append(points, model.SeriesPoint{Bucket: b})
		}
	}
	return points, nil
}

// SeriesByModel returns per-model chart rows from the pre-aggregated
// series table; rollups are global, so any user filter is ignored. Both
// window bounds are required since the rollup table is unbounded. When the
// window has no rollup rows yet (aggregation has not caught up), the rows
// are computed from raw usage records instead.
func (e *Engine) SeriesByModel(ctx context.Context, view ViewGranularity, filter model.StatsFilter) ([]model.SeriesRow, error) {
	if _, err := ParseViewGranularity(string(view)); err != nil {
		return nil, err
	}
	if filter.Start.IsZero() || filter.End.IsZero() {
		return []model.SeriesRow{}, nil
	}
	g := view.Bucket()

	rows, err := e.store.SeriesRows(ctx, g, g.TruncateBucket(filter.Start), filter.End)
	if err != nil {
		return nil, fmt.Errorf("load series rows: %w", err)
	}
	if len(rows) > 0 {
		return rows, nil
	}

	records, err := e.store.UsageInWindow(ctx, filter.Start, filter.End)
	if err != nil {
		return nil, fmt.Errorf("load usage for series fallback: %w", err)
	}
	return series.Rollup(g, records), nil
}
