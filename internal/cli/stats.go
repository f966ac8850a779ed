package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arclight-ai/llmmeter/pkg/model"
	"github.com/arclight-ai/llmmeter/pkg/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show usage statistics",
	Long:  `Show aggregate usage totals, per-model breakdowns and time series.`,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringP("user", "u", "", "Filter by user")
	statsCmd.Flags().String("start", "", "Window start (RFC 3339 or YYYY-MM-DD)")
	statsCmd.Flags().String("end", "", "Window end, inclusive (a bare date covers the whole day)")
	statsCmd.Flags().Bool("by-model", false, "Show a per-model breakdown")
	statsCmd.Flags().String("series", "", "Show a time series for a view (day, month, year)")
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	user, _ := cmd.Flags().GetString("user")
	startStr, _ := cmd.Flags().GetString("start")
	endStr, _ := cmd.Flags().GetString("end")
	byModel, _ := cmd.Flags().GetBool("by-model")
	seriesView, _ := cmd.Flags().GetString("series")

	filter := model.StatsFilter{UserID: user}
	if startStr != "" {
		if filter.Start, err = stats.ParseTime(startStr); err != nil {
			return err
		}
	}
	if endStr != "" {
		if filter.End, err = stats.ParseEndTime(endStr); err != nil {
			return err
		}
	}

	engine := stats.NewEngine(store)

	if seriesView != "" {
		view, err := stats.ParseViewGranularity(seriesView)
		if err != nil {
			return err
		}
		points, err := engine.Series(cmd.Context(), view, filter)
		if err != nil {
			return fmt.Errorf("compute series: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "BUCKET\tCALLS\tTOKENS\tCOST\n")
		for _, p := range points {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.4f\n",
				p.Bucket.Format("2006-01-02 15:04"), p.TotalCalls, p.TotalTokens, p.TotalCost)
		}
		return w.Flush()
	}

	summary, err := engine.Summary(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("summarize usage: %w", err)
	}

	fmt.Printf("=== Usage Summary ===\n")
	fmt.Printf("Total calls:       %d\n", summary.TotalCalls)
	fmt.Printf("Successful:        %d\n", summary.SuccessfulCalls)
	fmt.Printf("Failed:            %d\n", summary.FailedCalls)
	fmt.Printf("Prompt tokens:     %d\n", summary.PromptTokens)
	fmt.Printf("Completion tokens: %d\n", summary.CompletionTokens)
	fmt.Printf("Total tokens:      %d\n", summary.TotalTokens)
	fmt.Printf("Total cost:        %.4f %s\n", summary.TotalCost, summary.CostCurrency)

	if byModel {
		models, err := engine.ByModel(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("summarize by model: %w", err)
		}
		if len(models) > 0 {
			fmt.Printf("\nBy Model:\n")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "  MODEL\tCALLS\tTOKENS\tCOST\n")
			for _, m := range models {
				fmt.Fprintf(w, "  %s\t%d\t%d\t%.4f\n", m.Model, m.TotalCalls, m.TotalTokens, m.TotalCost)
			}
			w.Flush()
		}
	}
	return nil
}
