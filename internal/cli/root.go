// Package cli implements the hatago command line: serve, init, the mcp
// server management subcommands, and version.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "hatago.config.json"

var (
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
)

// NewRootCommand builds the hatago command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hatago",
		Short:         "Lightweight MCP hub: one endpoint for many MCP servers",
		Long:          "Hatago aggregates multiple MCP servers behind a single endpoint,\nnamespacing their tools, resources, and prompts so clients configure\none connection instead of many.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfigPath, "config file path")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON")

	root.AddCommand(newServeCommand())
	root.AddCommand(newInitCommand())
	root.AddCommand(newMCPCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// Execute runs the CLI and returns a process exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		return 1
	}
	return 0
}

// newLogger builds the process logger. Logs always go to stderr so the
// stdio transport keeps stdout for the protocol.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if flagLogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
