package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or reset the knowledge cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print cache size and hit rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, _, err := root.open(cmd, false)
			if err != nil {
				return err
			}
			defer application.Close()

			stats, err := application.Cache().Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entries: %d\nbytes: %d\nhits: %d\nmisses: %d\nhit rate: %.1f%%\n",
				stats.Entries, stats.Bytes, stats.Hits, stats.Misses, stats.HitRate()*100)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete every cached entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, logger, err := root.open(cmd, false)
			if err != nil {
				return err
			}
			defer application.Close()

			if err := application.Cache().Purge(cmd.Context()); err != nil {
				return err
			}
			logger.Info("cache purged")
			return nil
		},
	})
	return cmd
}
