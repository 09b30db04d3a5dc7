package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"KnowledgeScout/internal/app"
	"KnowledgeScout/internal/config"
	"KnowledgeScout/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "knowledgescout",
		Short:        "Retrieve background knowledge for a dialogue turn",
		Long:         `knowledgescout classifies a dialogue turn, looks up the entities and facts it needs in Wikipedia, Moegirlpedia, Wikidata and the chat log, and prints a digest ready for context injection.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML config (overrides KNOWLEDGE_SCOUT_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(newResolveCmd(opts), newCacheCmd(opts))
	return root
}

func (o *rootOptions) load() (config.Config, *slog.Logger) {
	var cfg config.Config
	if o.configPath != "" {
		cfg = config.LoadFrom(o.configPath)
	} else {
		cfg = config.Load()
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	// stdout carries the rendered knowledge only.
	return cfg, logging.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
}

func (o *rootOptions) open(cmd *cobra.Command, validate bool) (*app.Application, *slog.Logger, error) {
	cfg, logger := o.load()
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, logger, err
		}
	}
	application, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, logger, fmt.Errorf("start application: %w", err)
	}
	return application, logger, nil
}
