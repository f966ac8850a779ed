package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arclight-ai/llmmeter/pkg/llm"
	"github.com/arclight-ai/llmmeter/pkg/tracker"
)

var callCmd = &cobra.Command{
	Use:   "call [prompt...]",
	Short: "Perform a metered completion call",
	Long: `Send a prompt to the resolved provider configuration and record the
call's token usage, latency and cost.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringP("user", "u", "", "User to attribute the call to")
	callCmd.Flags().String("config-id", "", "Use a specific provider configuration")
	callCmd.Flags().StringP("system", "s", "", "System prompt")
	callCmd.Flags().Bool("stream", false, "Stream the response")
	callCmd.Flags().Int("max-tokens", 0, "Override max completion tokens")
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	recorder, store, err := initRecorder(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	user, _ := cmd.Flags().GetString("user")
	configID, _ := cmd.Flags().GetString("config-id")
	system, _ := cmd.Flags().GetString("system")
	stream, _ := cmd.Flags().GetBool("stream")
	maxTokens, _ := cmd.Flags().GetInt("max-tokens")

	var messages []llm.Message
	if system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: system})
	}
	messages = append(messages, llm.Message{Role: "user", Content: strings.Join(args, " ")})

	opts := tracker.CallOptions{
		ConfigID:  configID,
		UserID:    user,
		MaxTokens: maxTokens,
		Metadata:  map[string]string{"source": "cli"},
	}

	if stream {
		_, record, err := recorder.CallAndTrackStream(cmd.Context(), messages, opts, func(fragment string) error {
			fmt.Print(fragment)
			return nil
		})
		fmt.Println()
		if err != nil {
			return fmt.Errorf("streamed call: %w", err)
		}
		printUsage(record.Model, record.PromptTokens, record.CompletionTokens, record.TotalTokens, record.Cost, record.CostCurrency)
		return nil
	}

	content, record, err := recorder.CallAndTrack(cmd.Context(), messages, opts)
	if err != nil {
		return fmt.Errorf("call: %w", err)
	}
	fmt.Println(content)
	printUsage(record.Model, record.PromptTokens, record.CompletionTokens, record.TotalTokens, record.Cost, record.CostCurrency)
	return nil
}

func printUsage(model string, prompt, completion, total int64, cost *float64, currency string) {
	fmt.Printf("\n--\n")
	fmt.Printf("Model:             %s\n", model)
	fmt.Printf("Prompt tokens:     %d\n", prompt)
	fmt.Printf("Completion tokens: %d\n", completion)
	fmt.Printf("Total tokens:      %d\n", total)
	if cost != nil {
		fmt.Printf("Cost:              %.6f %s\n", *cost, currency)
	} else {
		fmt.Printf("Cost:              n/a (no pricing for model)\n")
	}
}
