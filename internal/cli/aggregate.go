package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arclight-ai/llmmeter/pkg/model"
	"github.com/arclight-ai/llmmeter/pkg/series"
	"github.com/arclight-ai/llmmeter/pkg/stats"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Recompute pre-aggregated usage series",
	Long: `Roll raw usage records up into hourly, daily and monthly series rows.
Re-running over the same window is safe: rows are rewritten in place.`,
	RunE: runAggregate,
}

func init() {
	rootCmd.AddCommand(aggregateCmd)
	aggregateCmd.Flags().StringP("granularity", "g", "", "Only one granularity (hour, day, month)")
	aggregateCmd.Flags().String("start", "", "Window start (RFC 3339 or YYYY-MM-DD)")
	aggregateCmd.Flags().String("end", "", "Window end, inclusive")
}

func runAggregate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var grans []model.Granularity
	if v, _ := cmd.Flags().GetString("granularity"); v != "" {
		g := model.Granularity(v)
		if !g.Valid() {
			return fmt.Errorf("unknown granularity %q (use hour, day or month)", v)
		}
		grans = []model.Granularity{g}
	}

	var window *series.Window
	startStr, _ := cmd.Flags().GetString("start")
	endStr, _ := cmd.Flags().GetString("end")
	if startStr != "" && endStr != "" {
		start, err := stats.ParseTime(startStr)
		if err != nil {
			return err
		}
		end, err := stats.ParseEndTime(endStr)
		if err != nil {
			return err
		}
		window = &series.Window{Start: start, End: end}
	} else if startStr != "" || endStr != "" {
		return fmt.Errorf("--start and --end must be given together")
	}

	agg := series.NewAggregator(store, logger)
	result, err := agg.Aggregate(cmd.Context(), grans, window)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}

	for g, n := range result.Upserted {
		fmt.Printf("%s: %d rows\n", g, n)
	}
	if len(result.Errors) > 0 {
		fmt.Printf("%d buckets failed:\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("  %v\n", e)
		}
		return fmt.Errorf("aggregation finished with %d failed buckets", len(result.Errors))
	}
	return nil
}
