package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultCostCurrency is the currency recorded when the estimator does not
// declare one. Pricing tables are maintained in USD.
const DefaultCostCurrency = "USD"

// ConfigScope is the ownership level of a provider configuration.
type ConfigScope string

const (
	ScopeGlobal ConfigScope = "global"
	ScopeUser   ConfigScope = "user"
)

// ProviderParams is the provider-specific parameter bag stored with a
// configuration record: credentials, model and optional overrides.
type ProviderParams struct {
	APIKey      string   `json:"api_key,omitempty"`
	Model       string   `json:"model"`
	APIBase     string   `json:"api_base,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

// ProviderConfig is one provider configuration record. Multiple active
// records may coexist per scope; resolution order picks the effective one.
type ProviderConfig struct {
	ID        string         `json:"id"`
	Scope     ConfigScope    `json:"scope"`
	UserID    string         `json:"user_id,omitempty"`
	Provider  string         `json:"provider"`
	Params    ProviderParams `json:"params"`
	IsActive  bool           `json:"is_active"`
	IsDefault bool           `json:"is_default"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// UsageRecord is one LLM call outcome. Records are append-only: the
// recorder writes exactly one per call attempt and never mutates it after.
type UsageRecord struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id,omitempty"`
	Model            string     `json:"model"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	TotalTokens      int64      `json:"total_tokens"`
	CachedTokens     int64      `json:"cached_tokens"`
	ReasoningTokens  int64      `json:"reasoning_tokens"`
	Cost             *float64   `json:"cost"`
	CostCurrency     string     `json:"cost_currency"`
	Success          bool       `json:"success"`
	Error            string     `json:"error,omitempty"`
	IsStreaming      bool       `json:"is_streaming"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FirstChunkAt     *time.Time `json:"first_chunk_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	Metadata         string     `json:"metadata,omitempty"`
}

// Granularity is the bucket width of a pre-aggregated series row.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
)

// Granularities lists all series granularities in rollup order.
var Granularities = []Granularity{GranularityHour, GranularityDay, GranularityMonth}

// Valid reports whether g is a known series granularity.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityHour, GranularityDay, GranularityMonth:
		return true
	}
	return false
}

// TruncateBucket truncates t to the bucket boundary for g in UTC.
func (g Granularity) TruncateBucket(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case GranularityDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case GranularityMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Next returns the start of the bucket following bucket for g.
func (g Granularity) Next(bucket time.Time) time.Time {
	switch g {
	case GranularityHour:
		return bucket.Add(time.Hour)
	case GranularityDay:
		return bucket.AddDate(0, 0, 1)
	case GranularityMonth:
		return bucket.AddDate(0, 1, 0)
	}
	return bucket
}

// SeriesRow is a pre-aggregated rollup of usage records sharing a
// (granularity, bucket, model) key. Recomputation overwrites the whole row.
type SeriesRow struct {
	Granularity      Granularity `json:"granularity"`
	Bucket           time.Time   `json:"bucket"`
	Model            string      `json:"model"`
	CallCount        int64       `json:"call_count"`
	SuccessCount     int64       `json:"success_count"`
	AvgE2ELatencySec *float64    `json:"avg_e2e_latency_sec"`
	AvgTTFTSec       *float64    `json:"avg_ttft_sec"`
	AvgOutputTPS     *float64    `json:"avg_output_tps"`
	PromptTokens     int64       `json:"total_prompt_tokens"`
	CompletionTokens int64       `json:"total_completion_tokens"`
	TotalTokens      int64       `json:"total_tokens"`
	CachedTokens     int64       `json:"total_cached_tokens"`
	ReasoningTokens  int64       `json:"total_reasoning_tokens"`
	TotalCost        *float64    `json:"total_cost"`
	CostCurrency     string      `json:"cost_currency"`
	MixedCurrency    bool        `json:"mixed_currency"`
}

// StatsFilter narrows stats queries by user and time window. Zero times
// mean unbounded; End is inclusive.
type StatsFilter struct {
	UserID string    `json:"user_id,omitempty"`
	Start  time.Time `json:"start,omitempty"`
	End    time.Time `json:"end,omitempty"`
}

// UsageFilter narrows the paginated usage listing.
type UsageFilter struct {
	UserID  string
	Model   string // substring match
	Success *bool
	Start   time.Time
	End     time.Time
	Limit   int
	Offset  int
}

// Summary holds aggregate token and cost totals for a window.
type Summary struct {
	TotalCalls       int64   `json:"total_calls"`
	SuccessfulCalls  int64   `json:"successful_calls"`
	FailedCalls      int64   `json:"failed_calls"`
	PromptTokens     int64   `json:"total_prompt_tokens"`
	CompletionTokens int64   `json:"total_completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CachedTokens     int64   `json:"total_cached_tokens"`
	ReasoningTokens  int64   `json:"total_reasoning_tokens"`
	TotalCost        float64 `json:"total_cost"`
	CostCurrency     string  `json:"total_cost_currency"`
}

// ModelStats is the per-model breakdown of a window, ordered by tokens.
type ModelStats struct {
	Model            string  `json:"model"`
	TotalCalls       int64   `json:"total_calls"`
	PromptTokens     int64   `json:"total_prompt_tokens"`
	CompletionTokens int64   `json:"total_completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CachedTokens     int64   `json:"total_cached_tokens"`
	ReasoningTokens  int64   `json:"total_reasoning_tokens"`
	TotalCost        float64 `json:"total_cost"`
	CostCurrency     string  `json:"total_cost_currency"`
}

// SeriesPoint is one chart bucket computed from raw usage records.
type SeriesPoint struct {
	Bucket           time.Time `json:"bucket"`
	TotalCalls       int64     `json:"total_calls"`
	PromptTokens     int64     `json:"total_prompt_tokens"`
	CompletionTokens int64     `json:"total_completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	CachedTokens     int64     `json:"total_cached_tokens"`
	ReasoningTokens  int64     `json:"total_reasoning_tokens"`
	TotalCost        float64   `json:"total_cost"`
}

// Default retention and schedule values, applied when no settings record
// has been stored yet.
const (
	DefaultRetentionDays       = 365
	DefaultCleanupSchedule     = "0 2 * * *"
	DefaultAggregationSchedule = "5 * * * *"
)

// RetentionSettings is the single stored retention/schedule record, read
// by the aggregation and cleanup runs on each invocation.
type RetentionSettings struct {
	RetentionDays       int       `json:"retention_days"`
	CleanupEnabled      bool      `json:"cleanup_enabled"`
	CleanupSchedule     string    `json:"cleanup_schedule"`
	AggregationSchedule string    `json:"aggregation_schedule"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DefaultRetentionSettings returns the settings used before an
// administrator stores a record.
func DefaultRetentionSettings() RetentionSettings {
	return RetentionSettings{
		RetentionDays:       DefaultRetentionDays,
		CleanupEnabled:      true,
		CleanupSchedule:     DefaultCleanupSchedule,
		AggregationSchedule: DefaultAggregationSchedule,
	}
}

// Validate checks retention bounds and both schedule expressions.
func (s RetentionSettings) Validate() error {
	if s.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive, got %d", s.RetentionDays)
	}
	if !ValidCronExpr(s.CleanupSchedule) {
		return fmt.Errorf("invalid cleanup schedule %q", s.CleanupSchedule)
	}
	if !ValidCronExpr(s.AggregationSchedule) {
		return fmt.Errorf("invalid aggregation schedule %q", s.AggregationSchedule)
	}
	return nil
}

var cronFieldMax = [5]int{59, 23, 31, 12, 7}

// ValidCronExpr reports whether expr is a usable five-field cron
// expression. Fields accept "*", "*/n", or a plain number in range.
func ValidCronExpr(expr string) bool {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return false
	}
	for i, f := range fields {
		if f == "*" {
			continue
		}
		if rest, ok := strings.CutPrefix(f, "*/"); ok {
			n, err := strconv.Atoi(rest)
			if err != nil || n <= 0 || n > cronFieldMax[i] {
				return false
			}
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || n > cronFieldMax[i] {
			return false
		}
	}
	return true
}
