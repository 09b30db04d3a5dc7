package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"KnowledgeScout/internal/domain"
)

type resolveOptions struct {
	historyPath string
	turn        string
	asJSON      bool
}

func newResolveCmd(root *rootOptions) *cobra.Command {
	opts := &resolveOptions{}
	cmd := &cobra.Command{
		Use:   "resolve [turn text]",
		Short: "Resolve the knowledge bundle for one dialogue turn",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && opts.turn == "" {
				opts.turn = args[0]
			}
			if strings.TrimSpace(opts.turn) == "" {
				return fmt.Errorf("a turn is required (--turn or argument)")
			}

			history, err := readHistory(opts.historyPath)
			if err != nil {
				return err
			}

			application, logger, err := root.open(cmd, true)
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.WatchPrompts(cmd.Context()); err != nil {
				logger.Warn("prompt overrides not watched", "error", err)
			}

			bundle, err := application.Resolve(cmd.Context(), history, opts.turn)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.asJSON {
				if bundle == nil {
					bundle = []domain.KnowledgeItem{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				enc.SetEscapeHTML(false)
				return enc.Encode(bundle)
			}
			if rendered := application.RenderContext(bundle); rendered != "" {
				fmt.Fprintln(out, strings.TrimSpace(rendered))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.historyPath, "history", "", "JSON file with prior turns: [{\"role\",\"speaker\",\"content\"}]")
	cmd.Flags().StringVar(&opts.turn, "turn", "", "current turn text")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the bundle as JSON instead of the rendered context")
	return cmd
}

func readHistory(path string) ([]domain.DialogueTurn, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var turns []domain.DialogueTurn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("parse history %s: %w", path, err)
	}
	return turns, nil
}
