package series

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/arclight-ai/llmmeter/pkg/model"
	"github.com/arclight-ai/llmmeter/pkg/storage"
)

// Window bounds the usage records considered by one aggregation run. End is
// inclusive.
type Window struct {
	Start time.Time
	End   time.Time
}

// BucketError records one rollup row that could not be written. A failed
// bucket never aborts the run; the remaining buckets are still processed.
type BucketError struct {
	Granularity model.Granularity
	Bucket      time.Time
	Model       string
	Err         error
}

func (e BucketError) Error() string {
	return fmt.Sprintf("aggregate %s bucket %s model %s: %v",
		e.Granularity, e.Bucket.Format(time.RFC3339), e.Model, e.Err)
}

// Result reports what one aggregation run accomplished.
type Result struct {
	// Upserted counts rollup rows written per granularity.
	Upserted map[model.Granularity]int

	// Errors lists the buckets that failed.
	Errors []BucketError
}

// Aggregator recomputes pre-aggregated series rows from raw usage records.
// Runs are idempotent: re-aggregating the same window rewrites each
// (granularity, bucket, model) row with identical content.
type Aggregator struct {
	store  storage.Storage
	logger *slog.Logger
	now    func() time.Time
}

func NewAggregator(store storage.Storage, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: store, logger: logger, now: time.Now}
}

// Aggregate rolls up usage for the given granularities. Nil or empty grans
// means all of them. A nil window applies each granularity's default: the
// current and previous hour, yesterday onward, and the previous month
// onward, so late records in recently closed buckets are still picked up.
func (a *Aggregator) Aggregate(ctx context.Context, grans []model.Granularity, window *Window) (*Result, error) {
	if len(grans) == 0 {
		grans = model.Granularities
	}
	result := &Result{Upserted: make(map[model.Granularity]int)}

	for _, g := range grans {
		if !g.Valid() {
			return nil, fmt.Errorf("unknown granularity %q", g)
		}

		w := a.windowFor(g, window)
		records, err := a.store.UsageInWindow(ctx, w.Start, w.End)
		if err != nil {
			return nil, fmt.Errorf("load usage for %s aggregation: %w", g, err)
		}

		rows := Rollup(g, records)
		for _, row := range rows {
			if err := a.store.UpsertSeriesRow(ctx, &row); err != nil {
				a.logger.Error("series upsert failed",
					"granularity", g, "bucket", row.Bucket, "model", row.Model, "error", err)
				result.Errors = append(result.Errors, BucketError{
					Granularity: g, Bucket: row.Bucket, Model: row.Model, Err: err,
				})
				continue
			}
			result.Upserted[g]++
		}

		a.logger.Info("aggregation pass complete",
			"granularity", g, "records", len(records), "rows", result.Upserted[g],
			"start", w.Start, "end", w.End)
	}
	return result, nil
}

func (a *Aggregator) windowFor(g model.Granularity, window *Window) Window {
	if window != nil {
		return *window
	}
	now := a.now().UTC()
	switch g {
	case model.GranularityHour:
		return Window{Start: g.TruncateBucket(now).Add(-time.Hour), End: now}
	case model.GranularityDay:
		return Window{Start: g.TruncateBucket(now).AddDate(0, 0, -1), End: now}
	default:
		return Window{Start: g.TruncateBucket(now).AddDate(0, -1, 0), End: now}
	}
}

type bucketKey struct {
	bucket time.Time
	model  string
}

// Rollup groups records into (bucket, model) rows and computes the derived
// metrics for each group. Rows come back ordered by bucket then model.
func Rollup(g model.Granularity, records []model.UsageRecord) []model.SeriesRow {
	groups := make(map[bucketKey][]model.UsageRecord)
	for _, r := range records {
		key := bucketKey{bucket: g.TruncateBucket(r.CreatedAt), model: r.Model}
		groups[key] = append(groups[key], r)
	}

	keys := make([]bucketKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].bucket.Equal(keys[j].bucket) {
			return keys[i].bucket.Before(keys[j].bucket)
		}
		return keys[i].model < keys[j].model
	})

	rows := make([]model.SeriesRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, computeRow(g, k, groups[k]))
	}
	return rows
}

func computeRow(g model.Granularity, key bucketKey, records []model.UsageRecord) model.SeriesRow {
	row := model.SeriesRow{
		Granularity:  g,
		Bucket:       key.bucket,
		Model:        key.model,
		CostCurrency: model.DefaultCostCurrency,
	}

	var (
		e2eSum, ttftSum, tpsSum float64
		e2eN, ttftN, tpsN       int
		costSum                 float64
		costN                   int
		costCurrency            string
	)

	for _, r := range records {
		row.CallCount++
		if r.Success {
			row.SuccessCount++
		}
		row.PromptTokens += r.PromptTokens
		row.CompletionTokens += r.CompletionTokens
		row.TotalTokens += r.TotalTokens
		row.CachedTokens += r.CachedTokens
		row.ReasoningTokens += r.ReasoningTokens

		if r.Cost != nil {
			currency := r.CostCurrency
			if currency == "" {
				currency = model.DefaultCostCurrency
			}
			switch {
			case costN == 0:
				costCurrency = currency
				costSum = *r.Cost
				costN = 1
			case currency == costCurrency:
				costSum += *r.Cost
				costN++
			default:
				// Differing currencies cannot be summed; flag the row and
				// keep only the first currency seen.
				row.MixedCurrency = true
			}
		}

		// Latency metrics use every row with a known start, failures
		// included: a failed stream still has a measured time to first
		// chunk and a real elapsed time.
		if r.StartedAt == nil {
			continue
		}
		e2e := math.Max(0, r.CreatedAt.Sub(*r.StartedAt).Seconds())
		e2eSum += e2e
		e2eN++
		if e2e > 0 {
			tpsSum += float64(r.CompletionTokens) / e2e
			tpsN++
		}
		if r.IsStreaming && r.FirstChunkAt != nil {
			ttftSum += math.Max(0, r.FirstChunkAt.Sub(*r.StartedAt).Seconds())
			ttftN++
		}
	}

	if e2eN > 0 {
		row.AvgE2ELatencySec = ptr(roundTo(e2eSum/float64(e2eN), 4))
	}
	if ttftN > 0 {
		row.AvgTTFTSec = ptr(roundTo(ttftSum/float64(ttftN), 4))
	}
	if tpsN > 0 {
		row.AvgOutputTPS = ptr(roundTo(tpsSum/float64(tpsN), 2))
	}
	if costN > 0 {
		row.TotalCost = ptr(costSum)
		row.CostCurrency = costCurrency
	}
	return row
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

func ptr(v float64) *float64 { return &v }
