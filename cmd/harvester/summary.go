package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/jira-harvester/pkg/sink"
)

func newSummaryCmd(opts *options) *cobra.Command {
	var samples int

	cmd := &cobra.Command{
		Use:   "summary [project...]",
		Short: "Summarize harvested output files",
		Long: `Reads the JSONL output of each project (all configured projects by default)
and prints record counts by issue type and status plus the first issues.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			projects := args
			if len(projects) == 0 {
				for _, p := range opts.cfg.Projects {
					projects = append(projects, p.Name)
				}
			}

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for i, project := range projects {
				if i > 0 {
					fmt.Fprintln(out)
				}

				sum, err := a.sink.Summarize(project, samples)
				if errors.Is(err, os.ErrNotExist) {
					fmt.Fprintf(out, "%s: no output yet\n", project)
					continue
				}
				if err != nil {
					return err
				}
				if err := printSummary(out, project, sum); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&samples, "samples", "n", 3, "number of issues to show per project")
	return cmd
}

func printSummary(w io.Writer, project string, sum *sink.Summary) error {
	fmt.Fprintf(w, "%s: %d records in %s\n", project, sum.Total, sum.Path)
	if sum.TransformErrors > 0 {
		fmt.Fprintf(w, "  %d records failed transformation\n", sum.TransformErrors)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	printCounts(tw, "TYPE", sum.ByType)
	printCounts(tw, "STATUS", sum.ByStatus)
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, issue := range sum.Samples {
		m := issue.Metadata
		fmt.Fprintf(w, "  %s: %s\n", issue.IssueID, issue.Content.Title)
		fmt.Fprintf(w, "    %s | %s | %s | %s\n", m.Type, m.Status, m.Priority, prefixOf(m.Created, 10))
	}
	return nil
}

// printCounts writes one row per key, largest count first.
func printCounts(tw *tabwriter.Writer, header string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	fmt.Fprintf(tw, "  %s\tCOUNT\n", header)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s\t%d\n", k, counts[k])
	}
}

func prefixOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
