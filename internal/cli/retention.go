package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Show or change retention settings",
}

var retentionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active retention settings",
	RunE:  runRetentionShow,
}

var retentionSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change retention settings",
	RunE:  runRetentionSet,
}

func init() {
	rootCmd.AddCommand(retentionCmd)
	retentionCmd.AddCommand(retentionShowCmd, retentionSetCmd)

	retentionSetCmd.Flags().Int("days", 0, "Retention window in days")
	retentionSetCmd.Flags().Bool("enabled", true, "Enable scheduled cleanup")
	retentionSetCmd.Flags().String("cleanup-schedule", "", "Cleanup cron schedule")
	retentionSetCmd.Flags().String("aggregation-schedule", "", "Aggregation cron schedule")
}

func runRetentionShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	settings, err := store.RetentionSettings(cmd.Context())
	if err != nil {
		return fmt.Errorf("load retention settings: %w", err)
	}

	fmt.Printf("Retention days:       %d\n", settings.RetentionDays)
	fmt.Printf("Cleanup enabled:      %t\n", settings.CleanupEnabled)
	fmt.Printf("Cleanup schedule:     %s\n", settings.CleanupSchedule)
	fmt.Printf("Aggregation schedule: %s\n", settings.AggregationSchedule)
	return nil
}

func runRetentionSet(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	settings, err := store.RetentionSettings(cmd.Context())
	if err != nil {
		return fmt.Errorf("load retention settings: %w", err)
	}

	if cmd.Flags().Changed("days") {
		settings.RetentionDays, _ = cmd.Flags().GetInt("days")
	}
	if cmd.Flags().Changed("enabled") {
		settings.CleanupEnabled, _ = cmd.Flags().GetBool("enabled")
	}
	if cmd.Flags().Changed("cleanup-schedule") {
		settings.CleanupSchedule, _ = cmd.Flags().GetString("cleanup-schedule")
	}
	if cmd.Flags().Changed("aggregation-schedule") {
		settings.AggregationSchedule, _ = cmd.Flags().GetString("aggregation-schedule")
	}

	if err := settings.Validate(); err != nil {
		return err
	}
	if err := store.SaveRetentionSettings(cmd.Context(), settings); err != nil {
		return fmt.Errorf("save retention settings: %w", err)
	}
	fmt.Println("Retention settings updated.")
	return nil
}
