package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arclight-ai/llmmeter/pkg/retention"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge usage data past the retention window",
	RunE:  runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
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

	cleaner := retention.NewCleaner(store, logger)
	result, err := cleaner.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	if result.Skipped {
		fmt.Println("Cleanup is disabled, nothing deleted.")
		return nil
	}
	fmt.Printf("Deleted %d usage records and %d series rows older than %s.\n",
		result.DeletedUsage, result.DeletedSeries, result.Cutoff.Format("2006-01-02"))
	return nil
}
