package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newPrefCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pref",
		Short: "Read and write preferences",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print a preference",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var value any
				found, err := a.store.GetPreference(cmd.Context(), args[0], &value)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("preference %q is not set", args[0])
				}
				return a.render(cmd.OutOrStdout(), value, func(w io.Writer) error {
					data, err := json.Marshal(value)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(w, string(data))
					return err
				})
			},
		},
		&cobra.Command{
			Use:     "set <key> <json-value>",
			Short:   "Store a preference",
			Example: `  depot pref set warehouse '"north"'`,
			Args:    cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				var value any
				if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
					return fmt.Errorf("value is not valid JSON: %w", err)
				}
				if err := a.store.SetPreference(cmd.Context(), args[0], value); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
