package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/jira-harvester/pkg/logging"
	"github.com/Sternrassler/jira-harvester/pkg/metrics"
	"github.com/Sternrassler/jira-harvester/pkg/orchestrator"
)

func newRunCmd(opts *options) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch all configured projects",
		Long: `Fetches every configured project, or only --project, resuming from saved
checkpoints. Completed projects are skipped. SIGINT or SIGTERM stops the run after
the page in flight is committed; run again to resume.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, err := opts.cfg.Sources(project)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr := opts.cfg.Metrics.Addr; addr != "" {
				metricsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
				defer cancel()
				go func() {
					if err := metrics.Serve(metricsCtx, addr, logging.NewLogger("metrics")); err != nil {
						opts.logger.Error().Err(err).Msg("Metrics server failed")
					}
				}()
			}

			stats, err := a.orch.Run(ctx, sources)
			if err != nil {
				return err
			}

			printReport(cmd.OutOrStdout(), stats)
			limits := a.limiter.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "Requests: %d granted, %.0f%% of the per-minute budget in use\n",
				limits.Granted, limits.Utilization()*100)
			if now := time.Now(); limits.IsHeld(now) {
				fmt.Fprintf(cmd.OutOrStdout(), "Jira asked to back off for another %s\n",
					limits.HeldUntil.Sub(now).Round(time.Second))
			}

			switch {
			case stats.Cancelled:
				return fmt.Errorf("run interrupted; progress saved, run again to resume")
			case stats.Failed() > 0:
				return fmt.Errorf("%d of %d sources failed; run again to resume", stats.Failed(), len(stats.Sources))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "only fetch this project")
	return cmd
}

func printReport(w io.Writer, stats *orchestrator.RunStats) {
	fmt.Fprintf(w, "Run %s finished in %s\n\n", stats.RunID, stats.Elapsed.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSTATE\tSTATUS\tNEW\tTOTAL\tRESUME AT\tERROR")
	for _, r := range stats.Sources {
		errText := r.ErrorKind
		if r.Error != "" {
			errText += ": " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.SourceID, r.State, r.Status, r.Committed, r.TotalCommitted, r.ResumeCursor.StartAt, errText)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nCompleted: %d  Failed: %d  Records: %d\n", stats.Completed(), stats.Failed(), stats.TotalCommitted())
	kinds := make([]string, 0, len(stats.ErrorsByKind))
	for kind := range stats.ErrorsByKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(w, "  %s: %d\n", kind, stats.ErrorsByKind[kind])
	}
}
