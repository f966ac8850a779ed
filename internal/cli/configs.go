package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arclight-ai/llmmeter/pkg/model"
)

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "Manage provider configurations",
}

var configsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List provider configurations",
	RunE:  runConfigsList,
}

var configsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a provider configuration",
	RunE:  runConfigsAdd,
}

var configsRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a provider configuration",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigsRemove,
}

var configsSetDefaultCmd = &cobra.Command{
	Use:   "set-default <id>",
	Short: "Mark a global configuration as the default",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigsSetDefault,
}

func init() {
	rootCmd.AddCommand(configsCmd)
	configsCmd.AddCommand(configsListCmd, configsAddCmd, configsRemoveCmd, configsSetDefaultCmd)

	configsListCmd.Flags().String("scope", "global", "Scope to list (global, user)")
	configsListCmd.Flags().StringP("user", "u", "", "User for user-scope listings")

	configsAddCmd.Flags().String("scope", "global", "Configuration scope (global, user)")
	configsAddCmd.Flags().StringP("user", "u", "", "Owner for user-scope configs")
	configsAddCmd.Flags().StringP("provider", "p", "openai", "Provider name")
	configsAddCmd.Flags().StringP("model", "m", "", "Model name")
	configsAddCmd.Flags().String("api-key", "", "API key")
	configsAddCmd.Flags().String("api-base", "", "API base URL (for OpenAI-compatible endpoints)")
	configsAddCmd.Flags().Bool("inactive", false, "Create the config inactive")
	configsAddCmd.Flags().Bool("default", false, "Mark as the global default")
	_ = configsAddCmd.MarkFlagRequired("model")
}

func runConfigsList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	scope, _ := cmd.Flags().GetString("scope")
	user, _ := cmd.Flags().GetString("user")

	configs, err := store.ListConfigs(cmd.Context(), model.ConfigScope(scope), user)
	if err != nil {
		return fmt.Errorf("list configs: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tPROVIDER\tMODEL\tACTIVE\tDEFAULT\tCREATED\n")
	for _, c := range configs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n",
			c.ID, c.Provider, c.Params.Model, c.IsActive, c.IsDefault,
			c.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runConfigsAdd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	scope, _ := cmd.Flags().GetString("scope")
	user, _ := cmd.Flags().GetString("user")
	provider, _ := cmd.Flags().GetString("provider")
	modelName, _ := cmd.Flags().GetString("model")
	apiKey, _ := cmd.Flags().GetString("api-key")
	apiBase, _ := cmd.Flags().GetString("api-base")
	inactive, _ := cmd.Flags().GetBool("inactive")
	isDefault, _ := cmd.Flags().GetBool("default")

	if model.ConfigScope(scope) == model.ScopeUser && user == "" {
		return fmt.Errorf("user scope requires --user")
	}
	if model.ConfigScope(scope) != model.ScopeUser && model.ConfigScope(scope) != model.ScopeGlobal {
		return fmt.Errorf("unknown scope %q", scope)
	}

	pc := &model.ProviderConfig{
		Scope:    model.ConfigScope(scope),
		UserID:   user,
		Provider: provider,
		Params: model.ProviderParams{
			APIKey:  apiKey,
			Model:   modelName,
			APIBase: apiBase,
		},
		IsActive: !inactive,
	}
	if err := store.InsertConfig(cmd.Context(), pc); err != nil {
		return fmt.Errorf("add config: %w", err)
	}
	if isDefault && pc.Scope == model.ScopeGlobal {
		if err := store.SetDefaultConfig(cmd.Context(), pc.ID); err != nil {
			return fmt.Errorf("set default: %w", err)
		}
	}

	fmt.Printf("Created config %s (%s / %s)\n", pc.ID, pc.Provider, pc.Params.Model)
	return nil
}

func runConfigsRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteConfig(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("remove config: %w", err)
	}
	fmt.Printf("Removed config %s\n", args[0])
	return nil
}

func runConfigsSetDefault(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetDefaultConfig(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("set default: %w", err)
	}
	fmt.Printf("Config %s is now the global default\n", args[0])
	return nil
}
