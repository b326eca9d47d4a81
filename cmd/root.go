package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Multi-provider chat backend with branching threads",
	Long: `parley serves a chat API over Anthropic, OpenAI and Gemini models.

Chats are branching message trees. Each turn resolves one branch into a
linear thread, fits it to the model's context window, reserves credits,
runs the agentic loop with tools, and streams typed chunks over SSE.

  parley serve                run the HTTP API server
  parley models               list the model catalog`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger. The flag beats the config file.
func newLogger(configured string) *slog.Logger {
	level := slog.LevelInfo
	name := logLevel
	if name == "" {
		name = configured
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
