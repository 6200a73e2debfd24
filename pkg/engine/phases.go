package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openfroyo/keg/pkg/bootstrap"
	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/policy"
	"github.com/openfroyo/keg/pkg/service"
	"github.com/openfroyo/keg/pkg/telemetry"
	"github.com/openfroyo/keg/pkg/toolchain"
)

// validate checks the formula, asserts dependency presence, asks the
// admission policy and the conflict resolver. Nothing on disk is touched.
func (rn *Runner) validate(ctx context.Context, r *run) error {
	spec := r.req.Spec
	if err := formula.Validate(spec); err != nil {
		return err
	}

	for _, dep := range spec.Dependencies {
		ok, err := rn.cfg.Registry.IsInstalled(ctx, dep.Name)
		if err != nil {
			return fmt.Errorf("failed to check dependency %s: %w", dep.Name, err)
		}
		if !ok {
			return &MissingDependencyError{Name: dep.Name, BuildOnly: dep.BuildOnly}
		}
	}

	installed, err := rn.cfg.Registry.InstalledRecords(ctx)
	if err != nil {
		return fmt.Errorf("failed to read installed packages: %w", err)
	}

	if rn.cfg.Policy != nil {
		if err := rn.cfg.Policy.Admit(ctx, spec, installed); err != nil {
			var denied *policy.DeniedError
			if errors.As(err, &denied) {
				for _, v := range denied.Violations {
					rn.tel.Metrics.RecordPolicyDenial(v.Policy)
				}
			}
			return err
		}
	}

	return rn.cfg.Resolver.Check(spec, installed)
}

// fetch downloads and unpacks the source into the run's work dir.
func (rn *Runner) fetch(ctx context.Context, r *run) error {
	res, err := rn.cfg.Fetcher.Fetch(ctx, r.req.Spec.Source, r.workDir)
	if err != nil {
		return err
	}
	rn.tel.Metrics.RecordFetch(res.Cached)
	r.result.SourceDir = res.SourceDir
	return nil
}

// build expands the build plan and runs configure and the build steps in
// the source tree.
func (rn *Runner) build(ctx context.Context, r *run) error {
	plan, err := r.req.Spec.Plan(ctx, r.vars, rn.cfg.Evaluator)
	if err != nil {
		return err
	}
	r.plan = plan

	if len(plan.Configure) > 0 {
		if err := rn.invoke(ctx, r, StateBuilt, plan.Configure); err != nil {
			return err
		}
	}
	for _, step := range plan.Steps {
		if err := rn.invoke(ctx, r, StateBuilt, step); err != nil {
			return err
		}
	}
	return nil
}

// install runs the toolchain install commands, then the declarative install
// steps against the prefix.
func (rn *Runner) install(ctx context.Context, r *run) error {
	if err := os.MkdirAll(r.layout.Prefix, 0o755); err != nil {
		return fmt.Errorf("failed to create prefix: %w", err)
	}
	for _, step := range r.plan.Install {
		if err := rn.invoke(ctx, r, StateInstalled, step); err != nil {
			return err
		}
	}
	return applyInstallSteps(r.req.Spec.InstallSteps, r.layout, r.vars)
}

func (rn *Runner) patch(ctx context.Context, r *run) error {
	results, err := rn.patcher.Apply(r.req.Spec.PatchRules, r.layout, r.vars)
	r.result.Patches = results
	rn.tel.Metrics.RecordPatches(len(results))
	return err
}

func (rn *Runner) bootstrap(ctx context.Context, r *run) error {
	ran, err := rn.bootstrapper.EnsureInitialized(ctx, r.layout, r.req.Spec.Bootstrap, r.bootCfg)
	switch {
	case err != nil:
		rn.tel.Metrics.RecordBootstrap("failed")
	case ran:
		rn.tel.Metrics.RecordBootstrap("ran")
	default:
		rn.tel.Metrics.RecordBootstrap("skipped")
	}
	r.result.Bootstrapped = ran
	return err
}

// service renders the descriptor from the resolved layout and writes it
// under the prefix. Formulas without a service template skip the write.
func (rn *Runner) service(ctx context.Context, r *run) error {
	tmpl := r.req.Spec.Service
	if tmpl == nil {
		telemetry.FromContext(ctx).Debug().Msg("No service template")
		return nil
	}

	d := service.Render(tmpl, r.layout, r.vars)
	path, err := service.Write(r.layout, d)
	if err != nil {
		return err
	}
	r.result.Descriptor = &d
	r.result.DescriptorPath = path
	return nil
}

// test runs the self-test command and checks that the bootstrap marker and
// every expected file exist.
func (rn *Runner) test(ctx context.Context, r *run) error {
	spec := r.req.Spec
	if spec.Test != nil && len(spec.Test.Command) > 0 {
		inv := toolchain.Invocation{
			Argv: r.vars.ExpandAll(spec.Test.Command),
			Dir:  r.layout.Prefix,
		}
		res, err := rn.cfg.Toolchain.Run(ctx, inv)
		if err != nil {
			return &TestError{Cause: err}
		}
		if !res.Success() {
			return &TestError{Cause: &BuildError{
				Phase:      StateTested,
				Argv:       inv.Argv,
				ExitStatus: res.ExitCode,
				Output:     res.Output,
			}}
		}
	}

	ok, err := bootstrap.IsInitialized(r.layout, spec.Bootstrap)
	if err != nil {
		return &TestError{Cause: err}
	}
	if !ok {
		return &TestError{Cause: fmt.Errorf("bootstrap marker %s is missing", bootstrap.MarkerPath(r.layout, spec.Bootstrap))}
	}

	if spec.Test != nil {
		for _, f := range spec.Test.ExpectFiles {
			path := r.layout.Abs(r.vars.Expand(f))
			if _, err := os.Stat(path); err != nil {
				return &TestError{Cause: fmt.Errorf("expected file %s: %w", path, err)}
			}
		}
	}
	return nil
}

// invoke runs argv in the source tree and converts a non-zero exit into a
// *BuildError for phase.
func (rn *Runner) invoke(ctx context.Context, r *run, phase State, argv []string) error {
	inv := toolchain.Invocation{
		Argv: argv,
		Dir:  r.result.SourceDir,
		Env:  r.plan.Env,
	}
	res, err := rn.cfg.Toolchain.Run(ctx, inv)
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", inv.String(), err)
	}
	if !res.Success() {
		return &BuildError{
			Phase:      phase,
			Argv:       argv,
			ExitStatus: res.ExitCode,
			Output:     res.Output,
		}
	}
	return nil
}
