package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/keg/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var (
		pkg   string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show the install run journal",
		Long: `List recent install runs, newest first, or show the phase events of one
run.`,
		Example: `  # Recent runs
  keg runs

  # Runs of one package
  keg runs --package mariadb

  # Phase events of a run
  keg runs 6f1c2b9e-3d4a-4b8e-9c2f-1a2b3c4d5e6f`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if !registryExists() {
				if len(args) == 1 {
					return fmt.Errorf("run %s: %w", args[0], stores.ErrNotFound)
				}
				if jsonOutput {
					return printJSON(out, []*stores.Run{})
				}
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := store.GetEvents(ctx, run.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, map[string]any{"run": run, "events": events})
				}

				fmt.Fprintf(out, "Run %s: %s@%s -> %s\n", run.ID, run.Package, run.Version, run.State)
				if run.FailedPhase != "" {
					fmt.Fprintf(out, "  failed phase: %s (%s)\n", run.FailedPhase, run.ErrorClass)
				}
				if run.Error != nil {
					fmt.Fprintf(out, "  error: %s\n", *run.Error)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tPHASE\tLEVEL\tMESSAGE")
				for _, e := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("15:04:05"), e.Phase, e.Level, e.Message)
				}
				return tw.Flush()
			}

			var filter *string
			if pkg != "" {
				filter = &pkg
			}
			runs, err := store.ListRuns(ctx, filter, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tPACKAGE\tSTATE\tFAILED PHASE\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s@%s\t%s\t%s\t%s\n",
					r.ID, r.Package, r.Version, r.State, r.FailedPhase, r.StartedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&pkg, "package", "p", "", "only runs of this package")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")

	return cmd
}
