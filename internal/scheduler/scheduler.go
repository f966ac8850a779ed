package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/arclight-ai/llmmeter/pkg/retention"
	"github.com/arclight-ai/llmmeter/pkg/series"
	"github.com/arclight-ai/llmmeter/pkg/storage"
)

// Scheduler drives the periodic aggregation and cleanup runs. It wakes
// once a minute, re-reads the stored schedules and fires whichever
// expression matches the current minute, so schedule changes apply without
// a restart.
type Scheduler struct {
	store      storage.Storage
	aggregator *series.Aggregator
	cleaner    *retention.Cleaner
	logger     *slog.Logger
	now        func() time.Time
}

func New(store storage.Storage, aggregator *series.Aggregator, cleaner *retention.Cleaner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      store,
		aggregator: aggregator,
		cleaner:    cleaner,
		logger:     logger,
		now:        time.Now,
	}
}

// Run blocks until ctx is cancelled, firing scheduled jobs as their
// expressions match.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick evaluates both schedules against the given minute and runs whatever
// matches.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	settings, err := s.store.RetentionSettings(ctx)
	if err != nil {
		s.logger.Error("failed to load schedules", "error", err)
		return
	}

	if CronMatches(settings.AggregationSchedule, now) {
		result, err := s.aggregator.Aggregate(ctx, nil, nil)
		if err != nil {
			s.logger.Error("scheduled aggregation failed", "error", err)
		} else if len(result.Errors) > 0 {
			s.logger.Warn("scheduled aggregation finished with failed buckets",
				"failed", len(result.Errors))
		}
	}

	if CronMatches(settings.CleanupSchedule, now) {
		if _, err := s.cleaner.Run(ctx); err != nil {
			s.logger.Error("scheduled cleanup failed", "error", err)
		}
	}
}

// CronMatches reports whether a five-field cron expression matches the
// given instant. Fields accept "*", "*/n" and plain numbers; day-of-month
// and day-of-week combine with OR when both are restricted, per cron
// convention.
func CronMatches(expr string, t time.Time) bool {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return false
	}

	minute := fieldMatches(fields[0], t.Minute(), 0)
	hour := fieldMatches(fields[1], t.Hour(), 0)
	dom := fieldMatches(fields[2], t.Day(), 1)
	month := fieldMatches(fields[3], int(t.Month()), 1)
	dow := fieldMatches(fields[4], int(t.Weekday()), 0)

	day := dom && dow
	if fields[2] != "*" && fields[4] != "*" {
		day = dom || dow
	}
	return minute && hour && month && day
}

// fieldMatches evaluates one cron field. Steps count from the field's
// range start, so "*/2" in day-of-month matches days 1, 3, 5 and so on.
func fieldMatches(field string, v, rangeStart int) bool {
	if field == "*" {
		return true
	}
	if rest, ok := strings.CutPrefix(field, "*/"); ok {
		n, err := strconv.Atoi(rest)
		return err == nil && n > 0 && (v-rangeStart)%n == 0
	}
	n, err := strconv.Atoi(field)
	if err != nil {
		return false
	}
	// Sunday is both 0 and 7.
	if n == 7 && v == 0 {
		return true
	}
	return n == v
}
