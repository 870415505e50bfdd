// Package main is the entry point for the tokenguard CLI.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/flemzord/tokenguard/internal/config"
	"github.com/flemzord/tokenguard/internal/logging"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tokenguard",
		Short:         "Adaptive token budgets and resilience for model endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file (.yaml, .yml or .toml)")
	root.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
	root.AddCommand(versionCmd(), configCmd(), segmentCmd(), optimizeCmd(), serveCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tokenguard %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK (%d endpoints)\n", len(s.Budget.Limits))
			for _, id := range sortedKeys(s.Budget.Limits) {
				fmt.Fprintf(out, "  %s: %d\n", id, s.Budget.Limits[id])
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := config.Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return err
		},
	})
	return cmd
}

// loadSettings loads the --config file, or the defaults when none is given.
func loadSettings(cmd *cobra.Command) (config.Settings, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Defaults(), "", nil
	}
	s, err := config.Load(path)
	if err != nil {
		return config.Settings{}, "", err
	}
	return s, path, nil
}

// newLogger builds the stderr logger from the settings and --log-level.
// Configured credentials are redacted from every record.
func newLogger(cmd *cobra.Command, s config.Settings) (*slog.Logger, error) {
	level := s.Log.Level
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cmd.ErrOrStderr(), lvl, s.Log.Format)
	return logging.Redacting(logger, logging.NewRedactor(s.Secrets()...)), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
