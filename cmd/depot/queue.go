package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"goflare.io/depot"
	"goflare.io/depot/internal/models"
)

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and add queued mutations",
	}
	cmd.AddCommand(newQueueListCmd(a), newQueueAddCmd(a))
	return cmd
}

func newQueueListCmd(a *app) *cobra.Command {
	var priorities []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := make([]depot.Priority, 0, len(priorities))
			for _, s := range priorities {
				p, err := models.ParsePriority(s)
				if err != nil {
					return err
				}
				filter = append(filter, p)
			}

			entries, err := a.store.List(cmd.Context(), filter...)
			if err != nil {
				return fmt.Errorf("failed to list queue: %w", err)
			}
			return a.render(cmd.OutOrStdout(), entries, func(w io.Writer) error {
				if len(entries) == 0 {
					fmt.Fprintln(w, "Queue is empty")
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tOPERATION\tCOLLECTION\tPRIORITY\tRETRIES\tENQUEUED\tLAST ERROR")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						e.ID, e.Operation, e.Collection, e.Priority, e.RetryCount, humanize.Time(e.EnqueuedAt), e.LastError)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVarP(&priorities, "priority", "p", nil, "Only list these priorities (low, medium, high)")
	return cmd
}

func newQueueAddCmd(a *app) *cobra.Command {
	var priority string

	cmd := &cobra.Command{
		Use:   "add <operation> <collection> <json-payload>",
		Short: "Queue a mutation for the remote",
		Example: `  depot queue add update tools '{"sku":"TL-100","qty":4}' --priority high`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := models.ParseOperation(args[0])
			if err != nil {
				return err
			}
			prio, err := models.ParsePriority(priority)
			if err != nil {
				return err
			}
			payload := json.RawMessage(args[2])
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			entry, err := a.store.Enqueue(cmd.Context(), op, args[1], payload, prio)
			if err != nil {
				return fmt.Errorf("failed to enqueue: %w", err)
			}
			return a.render(cmd.OutOrStdout(), entry, func(w io.Writer) error {
				fmt.Fprintf(w, "Queued %s\n", entry.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", "medium", "Priority: low, medium, high")
	return cmd
}
