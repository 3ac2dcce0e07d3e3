package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoints and statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			cps, err := a.orch.Status(ctx)
			if err != nil {
				return err
			}

			// Configured projects first, then checkpoints of projects no longer configured.
			var ids []string
			seen := make(map[string]bool)
			for _, p := range opts.cfg.Projects {
				ids = append(ids, p.Name)
				seen[p.Name] = true
			}
			var extra []string
			for id := range cps {
				if !seen[id] {
					extra = append(extra, id)
				}
			}
			sort.Strings(extra)
			ids = append(ids, extra...)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tSTATUS\tRECORDS\tCURSOR\tCOMMENTS\tDURATION\tRATE\tERRORS\tUPDATED")
			for _, id := range ids {
				cp, ok := cps[id]
				if !ok {
					fmt.Fprintf(tw, "%s\tnot started\t-\t-\t-\t-\t-\t-\t-\n", id)
					continue
				}

				comments, duration, rate := "-", "-", "-"
				st, err := a.orch.Statistics(ctx, id)
				if err != nil {
					return err
				}
				if st != nil {
					comments = fmt.Sprint(st.TotalComments)
					duration = st.Duration.Round(100 * time.Millisecond).String()
					rate = fmt.Sprintf("%.1f/s", float64(st.TotalRecords)/max(st.Duration.Seconds(), 1))
				}

				entries, err := a.orch.Errors(ctx, id)
				if err != nil {
					return err
				}

				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\t%d\t%s\n",
					id, cp.Status, cp.RecordsCommitted, cp.Cursor, comments, duration, rate,
					len(entries), cp.LastUpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}
