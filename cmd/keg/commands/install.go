package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/keg/pkg/engine"
	"github.com/openfroyo/keg/pkg/fetch"
	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/stores"
	"github.com/openfroyo/keg/pkg/toolchain"
)

func newInstallCommand() *cobra.Command {
	var (
		keepWorkDir bool
		noProgress  bool
	)

	cmd := &cobra.Command{
		Use:   "install <formula>",
		Short: "Build and install a formula",
		Long: `Drive a formula through the install pipeline:

  validated      static checks, dependencies, policies, conflicts
  fetched        download, verify and unpack the source archive
  built          configure and build steps
  installed      install commands and install steps
  patched        rewrite artifacts to reference runtime paths
  bootstrapped   one-time data store initialization
  service_ready  write the service descriptor
  tested         run the self-test

The first failing phase stops the run; nothing is rolled back. A failed
bootstrap is transient and is retried by installing again.`,
		Example: `  # Install into the default root
  keg install mariadb.cue

  # Install into another root as another identity
  keg install --root /opt/keg --user mysql mariadb.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			spec, err := loadFormula(args[0])
			if err != nil {
				return err
			}

			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			policies, err := newPolicyEngine(ctx, tel.Logger.NewComponentLogger("policy").Zerolog())
			if err != nil {
				return err
			}

			fetcher := fetch.New(cfg.CacheDir, tel.Logger.NewComponentLogger("fetch").Zerolog())
			fetcher.Timeout = cfg.Fetch.Timeout
			fetcher.MaxSize = cfg.Fetch.MaxSize
			if cfg.Fetch.Progress && !noProgress && !jsonOutput {
				fetcher.Progress = cmd.ErrOrStderr()
			}

			runner, err := engine.NewRunner(engine.Config{
				Toolchain:   toolchain.NewExecRunner(tel.Logger.NewComponentLogger("toolchain").Zerolog()),
				Fetcher:     fetcher,
				Registry:    store,
				Journal:     store,
				Policy:      policies,
				Resolver:    newResolver(),
				Evaluator:   formula.NewArgsEvaluator(cfg.ArgsScriptTimeout),
				Telemetry:   tel,
				WorkDir:     cfg.WorkDir,
				KeepWorkDir: cfg.KeepWorkDir || keepWorkDir,
			})
			if err != nil {
				return err
			}

			log.Info().Str("package", spec.ID()).Str("root", cfg.Root).Msg("Installing")

			res, runErr := runner.Run(ctx, engine.Request{
				Spec:   spec,
				Root:   cfg.Root,
				User:   cfg.User,
				TmpDir: cfg.TmpDir,
			})
			if res != nil && res.Installed() {
				// The tree is on disk even when a later phase failed; the
				// registry has to know which files it claims.
				if err := recordInstall(context.WithoutCancel(ctx), store, spec, res, runErr); err != nil {
					return errors.Join(runErr, err)
				}
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else if res != nil {
				printResult(cmd.OutOrStdout(), spec, res, runErr)
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&keepWorkDir, "keep-work-dir", false, "keep the unpacked sources after the run")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "hide the download progress bar")

	return cmd
}

// recordInstall registers the installed tree and audits the outcome.
func recordInstall(ctx context.Context, store *stores.SQLiteStore, spec *formula.PackageSpec, res *engine.Result, runErr error) error {
	runID := res.RunID
	pkg := &stores.InstalledPackage{
		Name:      spec.Name,
		Version:   spec.Version,
		Prefix:    res.Layout.Prefix,
		State:     string(res.State),
		RunID:     &runID,
		Conflicts: spec.Conflicts,
		Files:     res.Files,
	}
	if runErr != nil {
		pkg.Reason = runErr.Error()
	}
	if err := store.RecordInstall(ctx, pkg); err != nil {
		return fmt.Errorf("failed to record install: %w", err)
	}

	action := "package.installed"
	if runErr != nil {
		action = "package.partially_installed"
	}
	details := map[string]any{
		"run_id": res.RunID,
		"state":  res.State,
		"prefix": res.Layout.Prefix,
		"files":  len(res.Files),
	}
	if err := store.Audit(ctx, action, cfg.User, spec.ID(), details); err != nil {
		log.Warn().Err(err).Msg("Failed to write audit entry")
	}
	return nil
}

func printResult(out io.Writer, spec *formula.PackageSpec, res *engine.Result, runErr error) {
	elapsed := res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond)

	if runErr != nil {
		phase, _ := engine.FailedPhase(runErr)
		fmt.Fprintf(out, "✗ %s failed in phase %s (%s) after %s\n", spec.ID(), phase, engine.ClassOf(runErr), elapsed)
		fmt.Fprintf(out, "  last state: %s\n", res.LastState)
		if engine.IsRetryable(runErr) {
			fmt.Fprintf(out, "  the failure is transient; run the install again to retry\n")
		}
		return
	}

	fmt.Fprintf(out, "✓ Installed %s in %s\n", spec.ID(), elapsed)
	fmt.Fprintf(out, "  prefix:  %s\n", res.Layout.Prefix)
	fmt.Fprintf(out, "  files:   %d\n", len(res.Files))
	if len(res.Patches) > 0 {
		n := 0
		for _, p := range res.Patches {
			n += p.Replacements
		}
		fmt.Fprintf(out, "  patches: %d rules, %d replacements\n", len(res.Patches), n)
	}
	if res.Bootstrapped {
		fmt.Fprintf(out, "  data:    store initialized\n")
	}
	if res.DescriptorPath != "" {
		fmt.Fprintf(out, "  service: %s\n", res.DescriptorPath)
	}
	fmt.Fprintf(out, "  run:     %s\n", res.RunID)

	if res.Caveats != "" {
		fmt.Fprintf(out, "\nCaveats:\n%s\n", res.Caveats)
	}
}
