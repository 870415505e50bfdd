package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/flemzord/tokenguard/internal/guard"
	"github.com/flemzord/tokenguard/internal/optimize"
)

func segmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "segment <file>",
		Short: "Split a document into overlapping chunks and print them as JSON",
		Long:  "Split a document into overlapping chunks. Use - to read standard input.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := newGuard(cmd)
			if err != nil {
				return err
			}
			defer g.Close()

			text, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			maxTokens, _ := cmd.Flags().GetInt("max-tokens")
			overlap, _ := cmd.Flags().GetInt("overlap")

			chunks, err := g.Segment(string(text), maxTokens, overlap)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), chunks)
		},
	}
	cmd.Flags().Int("max-tokens", 0, "Maximum tokens per chunk (0 = configured default)")
	cmd.Flags().Int("overlap", -1, "Overlap between chunks in bytes (-1 = configured default)")
	return cmd
}

func optimizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize <request.json>",
		Short: "Shrink a request until it fits a token target and print the result as JSON",
		Long: `Shrink a request {"system", "messages": [{"role", "content"}], "query"}.

With --level auto the levels are tried in order against the effective
limit of --endpoint until one fits. Otherwise the given level is applied
once against --target, or the endpoint limit when --target is 0.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := newGuard(cmd)
			if err != nil {
				return err
			}
			defer g.Close()

			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var req optimize.Request
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("parsing request: %w", err)
			}

			endpoint, _ := cmd.Flags().GetString("endpoint")
			target, _ := cmd.Flags().GetInt("target")
			levelName, _ := cmd.Flags().GetString("level")

			if levelName == "auto" {
				res, _, err := g.Fit(endpoint, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			}

			level, err := optimize.ParseLevel(levelName)
			if err != nil {
				return err
			}
			if target == 0 {
				target = g.Limit(endpoint)
			}
			res, err := g.Optimize(req, target, level)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("endpoint", "default", "Endpoint whose limit is the target")
	cmd.Flags().Int("target", 0, "Token target (0 = effective limit of --endpoint)")
	cmd.Flags().String("level", "normal", "Optimization level: normal, aggressive, extreme or auto")
	return cmd
}

// newGuard builds a Guard from --config with a logger on stderr.
func newGuard(cmd *cobra.Command) (*guard.Guard, error) {
	s, _, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd, s)
	if err != nil {
		return nil, err
	}
	return guard.New(s, guard.WithLogger(logger))
}

// readInput reads path, or standard input when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return b, nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
