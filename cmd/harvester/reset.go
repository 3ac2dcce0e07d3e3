package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/jira-harvester/pkg/checkpoint"
)

func newResetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <project>",
		Short: "Discard the checkpoint of a project",
		Long: `Deletes the checkpoint, error log and statistics of a project. The next run
starts the project from the beginning and rewrites its output file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			project := args[0]

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.orch.Reset(ctx, project)
			switch {
			case errors.Is(err, checkpoint.ErrNotFound):
				fmt.Fprintf(cmd.OutOrStdout(), "No checkpoint for %s\n", project)
				return nil
			case err != nil:
				return fmt.Errorf("reset %s: %w", project, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", project)
			return nil
		},
	}
}
