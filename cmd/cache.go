package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the enrichment cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache hit statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.CacheStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("entries: %d\n", stats.Entries)
		fmt.Printf("hits:    %d\n", stats.Hits)
		fmt.Printf("misses:  %d\n", stats.Misses)
		fmt.Printf("hit rate: %.1f%%\n", stats.HitRate*100)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	rootCmd.AddCommand(cacheCmd)
}
