package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued mutations against the remote now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.store.ForceSync(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return a.render(cmd.OutOrStdout(), res, func(w io.Writer) error {
				fmt.Fprintf(w, "Sync %s: %d synced, %d failed, %d dropped, %d skipped\n",
					res.Status, res.Synced, res.Failed, res.Dropped, res.Skipped)
				for _, f := range res.DroppedEntries {
					fmt.Fprintf(w, "  dropped %s (%s %s): %s\n", f.Entry.ID, f.Entry.Operation, f.Entry.Collection, f.Reason)
				}
				return nil
			})
		},
	}
}
