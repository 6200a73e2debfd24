package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newForgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forget <name> <version>",
		Short: "Remove a package from the registry",
		Long: `Remove a package version from the installed registry so its conflicts no
longer apply and it no longer satisfies dependencies.

The install tree on disk is left alone.`,
		Example: `  # Forget a version
  keg forget mariadb 11.4.2`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, version := args[0], args[1]

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			pkg, err := store.GetPackage(ctx, name, version)
			if err != nil {
				return err
			}
			if err := store.DeletePackage(ctx, name, version); err != nil {
				return err
			}
			if err := store.Audit(ctx, "package.forgotten", cfg.User, pkg.ID(), map[string]any{"prefix": pkg.Prefix}); err != nil {
				log.Warn().Err(err).Msg("Failed to write audit entry")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Forgot %s (files under %s were kept)\n", pkg.ID(), pkg.Prefix)
			return nil
		},
	}

	return cmd
}
