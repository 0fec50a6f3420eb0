package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"goflare.io/depot"
)

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show item counts, storage usage and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := a.store.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			return a.render(cmd.OutOrStdout(), stats, func(w io.Writer) error {
				printStats(w, stats)
				return nil
			})
		},
	}
}

func printStats(w io.Writer, stats depot.StorageStats) {
	fmt.Fprintf(w, "Storage Statistics:\n")
	fmt.Fprintf(w, "  Cache entries:     %d\n", stats.CacheItems)
	fmt.Fprintf(w, "  Queued mutations:  %d\n", stats.QueueItems)
	fmt.Fprintf(w, "  Preferences:       %d\n", stats.PreferenceItems)
	fmt.Fprintf(w, "  Cached responses:  %d\n", stats.APICacheItems)
	fmt.Fprintf(w, "  Bytes used:        %s\n", sizeOrUnknown(stats.TotalBytesUsed))
	fmt.Fprintf(w, "  Quota:             %s\n", sizeOrUnknown(stats.QuotaBytes))

	if stats.LastSyncTimestamp.IsZero() {
		fmt.Fprintf(w, "  Last sync:         never\n")
	} else {
		fmt.Fprintf(w, "  Last sync:         %s\n", humanize.Time(stats.LastSyncTimestamp))
	}
	if f := stats.LastTerminalFailure; f != nil {
		fmt.Fprintf(w, "  Last dropped:      %s %s (%s): %s\n", f.Entry.Operation, f.Entry.Collection, humanize.Time(f.At), f.Reason)
	}

	c := stats.CacheMetrics
	fmt.Fprintf(w, "  Cache reads:       %s hits (%s hot), %s misses, %s evictions\n",
		humanize.Comma(c.Hits), humanize.Comma(c.HotHits), humanize.Comma(c.Misses), humanize.Comma(c.Evictions))
}

func sizeOrUnknown(n int64) string {
	if n <= 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(n))
}

func newMaintenanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Remove expired cache entries and cached responses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := a.store.PerformMaintenance(cmd.Context())
			if err != nil {
				return fmt.Errorf("maintenance failed: %w", err)
			}
			return a.render(cmd.OutOrStdout(), report, func(w io.Writer) error {
				fmt.Fprintf(w, "Removed %d expired cache entries and %d cached responses in %s\n",
					report.CacheRemoved, report.APICacheRemoved, report.Duration)
				return nil
			})
		},
	}
}
