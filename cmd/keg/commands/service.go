package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/keg/pkg/bootstrap"
	"github.com/openfroyo/keg/pkg/layout"
	"github.com/openfroyo/keg/pkg/service"
)

func newServiceCommand() *cobra.Command {
	var write bool

	cmd := &cobra.Command{
		Use:   "service <formula>",
		Short: "Render the service descriptor of a formula",
		Long: `Render the service descriptor a formula would produce under the root and
print it as an XML property list.

With --write the descriptor is written to <prefix>/<label>.plist, as the
service_ready phase of an install does.`,
		Example: `  # Print the descriptor
  keg service mariadb.cue

  # Regenerate the descriptor of an installed package
  keg service --write mariadb.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadFormula(args[0])
			if err != nil {
				return err
			}
			if spec.Service == nil {
				return fmt.Errorf("%s declares no service", spec.ID())
			}

			l := layout.Resolve(cfg.Root, spec.Name, spec.Version)
			identity := bootstrap.Vars(l, spec.Bootstrap, bootstrap.Config{User: cfg.User, TmpDir: cfg.TmpDir})
			d := service.Render(spec.Service, l, identity)

			if write {
				path, err := service.Write(l, d)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote service descriptor: %s\n", path)
				return nil
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), d)
			}
			data, err := service.Marshal(d)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&write, "write", false, "write the descriptor into the prefix")

	return cmd
}
