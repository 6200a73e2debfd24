package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/keg/pkg/stores"
)

func newListCommand() *cobra.Command {
	var showFiles bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		Long: `List the packages recorded in the registry with their state, prefix and
declared conflicts.`,
		Example: `  # List installed packages
  keg list

  # Include the files each package claims
  keg list --files`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pkgs := []*stores.InstalledPackage{}
			if registryExists() {
				store, err := openStore(ctx)
				if err != nil {
					return err
				}
				defer store.Close()

				pkgs, err = store.ListPackages(ctx)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), pkgs)
			}
			if len(pkgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No packages installed")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PACKAGE\tVERSION\tSTATE\tINSTALLED\tPREFIX")
			for _, p := range pkgs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					p.Name, p.Version, p.State, p.InstalledAt.Local().Format("2006-01-02 15:04"), p.Prefix)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, p := range pkgs {
				for _, c := range p.Conflicts {
					fmt.Fprintf(out, "%s conflicts with %s: %s\n", p.ID(), c.Package, c.Reason)
				}
				if showFiles {
					fmt.Fprintf(out, "\n%s:\n", p.ID())
					for _, f := range p.Files {
						fmt.Fprintf(out, "  %s\n", f)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showFiles, "files", false, "show the files each package claims")

	return cmd
}
