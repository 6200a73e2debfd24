package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/layout"
)

func newLayoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layout <formula> | <name> <version>",
		Short: "Show the install paths of a package",
		Long: `Print the resolved path layout of a package version under the root.

Every path is a pure function of (root, name, version). etc, var and
opt/bin are shared by all versions of a package.`,
		Example: `  # Paths for a formula
  keg layout mariadb.cue

  # Paths for a name and version under another root
  keg layout --root /opt/keg mariadb 11.4.2`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, version := "", ""
			if len(args) == 2 {
				name, version = args[0], args[1]
				if !formula.ValidName(name) {
					return fmt.Errorf("invalid package name %q", name)
				}
			} else {
				spec, err := loadFormula(args[0])
				if err != nil {
					return err
				}
				name, version = spec.Name, spec.Version
			}

			l := layout.Resolve(cfg.Root, name, version)
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), l)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			rows := []struct{ key, path string }{
				{"prefix", l.Prefix},
				{"bin", l.Bin},
				{"sbin", l.Sbin},
				{"lib", l.Lib},
				{"libexec", l.Libexec},
				{"include", l.Include},
				{"share", l.Share},
				{"etc", l.Etc},
				{"var", l.Var},
				{"opt_bin", l.OptBin},
			}
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\n", r.key, r.path)
			}
			return tw.Flush()
		},
	}

	return cmd
}
