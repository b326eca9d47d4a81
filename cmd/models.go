package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/llm"
)

var modelsJSON bool
var modelsLive bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the model catalog",
	Long: `List the models parley can serve.

Examples:
  parley models           # catalog with pricing and capabilities
  parley models --live    # also query the OpenAI models API
  parley models --json    # output as JSON`,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
	modelsCmd.Flags().BoolVar(&modelsLive, "live", false, "Query provider APIs for models outside the catalog")
}

func runModels(cmd *cobra.Command, args []string) error {
	specs := make([]llm.ModelSpec, 0, len(llm.Models))
	for _, m := range llm.Models {
		specs = append(specs, m)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })

	if modelsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(specs)
	}

	for _, m := range specs {
		reasoning := ""
		if m.Reasoning {
			reasoning = "  reasoning"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-28s %-10s ctx=%-7d out=%-6d $%.2f/$%.2f per MTok%s\n",
			m.ID, m.Provider, m.ContextWindow, m.MaxOutput, m.InputPrice, m.OutputPrice, reasoning)
	}

	if !modelsLive {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.OpenAI.APIKey == "" {
		return fmt.Errorf("--live requires an OpenAI API key")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	var lister llm.ModelLister = llm.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	ids, err := lister.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list openai models: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "\nopenai API models:")
	for _, id := range ids {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
	}
	return nil
}
