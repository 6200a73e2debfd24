package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/policy"
	"github.com/openfroyo/keg/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch [formula]...",
		Short: "Hot-reload admission policies",
		Long: `Watch the configured policy paths and reload them whenever a policy file
changes. The given formulas are re-evaluated after every reload, so policy
authors see the effect of an edit immediately.

With a metrics address the Prometheus endpoint is served while watching.`,
		Example: `  # Watch a policy directory and re-check two formulas
  keg watch --policy ./policies mariadb.cue redis.yaml

  # Also expose metrics
  keg watch --policy ./policies --metrics-addr :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(cfg.PolicyPaths) == 0 {
				return errors.New("no policy paths configured (use --policy or policy_paths)")
			}

			specs := make([]*formula.PackageSpec, 0, len(args))
			for _, path := range args {
				spec, err := loadFormula(path)
				if err != nil {
					return err
				}
				specs = append(specs, spec)
			}

			if metricsAddr != "" {
				cfg.Telemetry.Metrics.Enabled = true
				cfg.Telemetry.Metrics.ListenAddress = metricsAddr
			}
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			logger := tel.Logger.NewComponentLogger("policy").Zerolog()
			engine, err := newPolicyEngine(ctx, logger)
			if err != nil {
				return err
			}
			installed, err := installedRecords(ctx)
			if err != nil {
				return err
			}

			check := func() {
				for _, spec := range specs {
					res, err := engine.Evaluate(ctx, &policy.Input{
						Package:   spec,
						Installed: installed,
						Context:   policy.Context{Operation: "validate", Root: cfg.Root, User: cfg.User},
					})
					if err != nil {
						log.Error().Err(err).Str("package", spec.ID()).Msg("Policy evaluation failed")
						continue
					}
					reportEvaluation(cmd.OutOrStdout(), tel, spec, res)
				}
			}
			check()

			loader := policy.NewLoader(logger)
			err = loader.Watch(ctx, cfg.PolicyPaths, func(policies []policy.Policy) error {
				if err := engine.SetPolicies(ctx, policies); err != nil {
					return err
				}
				if cfg.SymmetricConflicts {
					if err := engine.EnablePolicy(symmetricPolicy); err != nil {
						return err
					}
				}
				check()
				return nil
			})
			if err != nil {
				return err
			}
			defer loader.StopWatching()

			serveErr := make(chan error, 1)
			go func() {
				serveErr <- tel.Metrics.Serve(ctx, log.Logger)
			}()

			fmt.Fprintf(cmd.ErrOrStderr(), "Watching %d policy path(s), press Ctrl+C to stop\n", len(cfg.PolicyPaths))
			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("metrics server: %w", err)
				}
				<-ctx.Done()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while watching")

	return cmd
}

func reportEvaluation(out io.Writer, tel *telemetry.Telemetry, spec *formula.PackageSpec, res *policy.Result) {
	if res.Allowed {
		fmt.Fprintf(out, "✓ %s admitted\n", spec.ID())
	} else {
		fmt.Fprintf(out, "✗ %s denied\n", spec.ID())
	}
	for _, v := range res.Violations {
		tel.Metrics.RecordPolicyDenial(v.Policy)
		fmt.Fprintf(out, "    %s\n", v)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "    %s\n", w)
	}
}
