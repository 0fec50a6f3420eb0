package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"goflare.io/depot"
)

func newExportCmd(a *app) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every partition to a JSON snapshot file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := a.store.ExportAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to export: %w", err)
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode snapshot: %w", err)
			}
			if err := atomic.WriteFile(out, bytes.NewReader(data)); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			return a.render(cmd.OutOrStdout(), snapshotSummary(snap), func(w io.Writer) error {
				fmt.Fprintf(w, "Exported to %s\n", out)
				return printCounts(w, snap)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Snapshot file to write")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	var in string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a JSON snapshot file, overwriting matching keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", in, err)
			}
			var snap depot.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("failed to decode snapshot: %w", err)
			}
			if err := a.store.ImportAll(cmd.Context(), &snap); err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), snapshotSummary(&snap), func(w io.Writer) error {
				fmt.Fprintf(w, "Imported from %s\n", in)
				return printCounts(w, &snap)
			})
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "Snapshot file to read")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newClearCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove everything from every partition",
		Long:  `Remove every cache entry, queued mutation, preference and cached response. Queued mutations that were never synced are lost.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			if err := a.store.ClearAll(cmd.Context()); err != nil {
				return fmt.Errorf("failed to clear: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cleared all partitions")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm removal")
	return cmd
}

func snapshotSummary(snap *depot.Snapshot) map[string]int {
	counts := make(map[string]int, len(snap.Partitions))
	for p := range snap.Partitions {
		counts[string(p)] = snap.Count(p)
	}
	return counts
}

func printCounts(w io.Writer, snap *depot.Snapshot) error {
	for _, p := range []depot.Partition{depot.PartitionCache, depot.PartitionQueue, depot.PartitionPreferences, depot.PartitionAPICache} {
		if _, err := fmt.Fprintf(w, "  %-12s %d\n", p, snap.Count(p)); err != nil {
			return err
		}
	}
	return nil
}
