package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nstogner/threadrun/pkg/history"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored conversation threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(opts.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			list := store.ListValid
			if all {
				list = store.List
			}
			entries, err := list(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "THREAD\tMESSAGES\tTITLE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", e.ID, len(e.Messages), history.Title(e))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include threads without user messages")
	return cmd
}
