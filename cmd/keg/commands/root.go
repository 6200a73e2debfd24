package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/keg/pkg/settings"
	"github.com/openfroyo/keg/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	jsonOutput bool

	// cfg is resolved before any subcommand runs.
	cfg *settings.Settings
)

// flagKeys maps persistent flags to settings keys.
var flagKeys = map[string]string{
	"root":      "root",
	"log-level": "telemetry.logging.level",
	"user":      "user",
	"tmpdir":    "tmpdir",
	"policy":    "policy_paths",
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keg",
		Short: "keg - package formula execution engine",
		Long: `keg builds and installs packages from declarative formulas.

A formula is driven through a fixed pipeline:
  validated -> fetched -> built -> installed -> patched
  -> bootstrapped -> service_ready -> tested

Features:
  - Formulas in CUE or YAML, build arguments via Starlark
  - Versioned install prefixes under a single root
  - Conflict checks and Rego admission policies
  - One-time data store bootstrap guarded by a marker file
  - launchd-style service descriptors
  - Run journal and installed-package registry in SQLite`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadSettings(cmd)
		},
	}

	// Persistent flags available to all commands
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file path (default ./keg.yaml, then ~/.config/keg/keg.yaml)")
	flags.String("root", "", "installation root (default ~/.keg)")
	flags.String("log-level", "", "log level: trace, debug, info, warn, error")
	flags.String("user", "", "operating identity passed to data store initializers")
	flags.String("tmpdir", "", "temporary directory for data store initializers")
	flags.StringSlice("policy", nil, "Rego policy file or directory, repeatable")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newLayoutCommand())
	rootCmd.AddCommand(newServiceCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newForgetCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// loadSettings layers defaults, the config file, KEG_* variables and flags.
func loadSettings(cmd *cobra.Command) error {
	v := settings.New()
	flags := cmd.Root().PersistentFlags()
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}

	if err := settings.ReadConfig(v, configPath); err != nil {
		return err
	}
	s, err := settings.Load(v)
	if err != nil {
		return err
	}

	cfg = s
	zerolog.SetGlobalLevel(telemetry.ParseLevel(s.Telemetry.Logging.Level))
	return nil
}
