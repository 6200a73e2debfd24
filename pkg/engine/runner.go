package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/keg/pkg/bootstrap"
	"github.com/openfroyo/keg/pkg/conflict"
	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/layout"
	"github.com/openfroyo/keg/pkg/patch"
	"github.com/openfroyo/keg/pkg/telemetry"
)

// Config wires a Runner to its collaborators. Toolchain and Fetcher are
// required.
type Config struct {
	Toolchain Toolchain
	Fetcher   Fetcher

	// Registry is the installed-package snapshot. Nil means nothing is
	// installed.
	Registry Registry

	// Journal, when set, receives the run history.
	Journal Journal

	// Policy, when set, must admit every candidate.
	Policy Policy

	// Resolver checks declared conflicts. Defaults to an asymmetric resolver.
	Resolver *conflict.Resolver

	// Evaluator runs build.args_script programs.
	Evaluator *formula.ArgsEvaluator

	// Telemetry defaults to telemetry.Nop().
	Telemetry *telemetry.Telemetry

	// WorkDir holds per-run source trees. Defaults to $TMPDIR/keg-build.
	WorkDir string

	// KeepWorkDir leaves the unpacked sources behind after a run.
	KeepWorkDir bool
}

// Runner drives packages through the install pipeline. Run is safe for
// concurrent use with different packages.
type Runner struct {
	cfg          Config
	tel          *telemetry.Telemetry
	patcher      *patch.Patcher
	bootstrapper *bootstrap.Bootstrapper
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Toolchain == nil {
		return nil, errors.New("engine: toolchain is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("engine: fetcher is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = StaticRegistry(nil)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = conflict.NewResolver()
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = formula.NewArgsEvaluator(0)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Nop()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "keg-build")
	}

	logger := cfg.Telemetry.Logger
	return &Runner{
		cfg:          cfg,
		tel:          cfg.Telemetry,
		patcher:      patch.New(logger.NewComponentLogger("patch").Zerolog()),
		bootstrapper: bootstrap.New(cfg.Toolchain, logger.NewComponentLogger("bootstrap").Zerolog()),
	}, nil
}

// run is the mutable state of one pipeline execution.
type run struct {
	req      Request
	layout   layout.Layout
	vars     layout.Vars
	bootCfg  bootstrap.Config
	workDir  string
	plan     *formula.BuildPlan
	result   *Result
	scope    *telemetry.RunScope
	journals bool
}

type phaseFunc func(ctx context.Context, r *run) error

// Run executes the pipeline for req. The returned Result is never nil; on
// failure its State is StateFailed and the error is a *PhaseError. Nothing
// is rolled back: files written before the failing phase stay in place.
func (rn *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Spec == nil {
		return nil, errors.New("engine: request has no package spec")
	}
	if !filepath.IsAbs(req.Root) {
		return nil, errors.New("engine: installation root must be an absolute path")
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	spec := req.Spec
	l := layout.Resolve(req.Root, spec.Name, spec.Version)
	bootCfg := bootstrap.Config{User: req.User, TmpDir: req.TmpDir}
	vars := bootstrap.Vars(l, spec.Bootstrap, bootCfg)

	r := &run{
		req:     req,
		layout:  l,
		vars:    vars,
		bootCfg: bootCfg,
		workDir: filepath.Join(rn.cfg.WorkDir, req.RunID),
		result: &Result{
			RunID:     req.RunID,
			State:     StatePending,
			LastState: StatePending,
			Layout:    l,
			Caveats:   vars.Expand(spec.Caveats),
			StartedAt: time.Now(),
		},
	}
	r.scope = rn.tel.StartRun(ctx, req.RunID, spec.Name, spec.Version)
	logger := r.scope.Logger

	if rn.cfg.Journal != nil {
		if err := rn.cfg.Journal.BeginRun(ctx, req.RunID, l.Root, spec); err != nil {
			logger.Warn().Err(err).Msg("Failed to journal run start")
		} else {
			r.journals = true
		}
	}

	logger.Info().Str("prefix", l.Prefix).Msg("Install started")

	phases := []struct {
		state State
		fn    phaseFunc
	}{
		{StateValidated, rn.validate},
		{StateFetched, rn.fetch},
		{StateBuilt, rn.build},
		{StateInstalled, rn.install},
		{StatePatched, rn.patch},
		{StateBootstrapped, rn.bootstrap},
		{StateServiceReady, rn.service},
		{StateTested, rn.test},
	}

	var runErr *PhaseError
	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			runErr = &PhaseError{Phase: p.state, Class: ErrorClassPermanent, Cause: err}
			rn.recordPhase(ctx, r, p.state, 0, runErr)
			break
		}
		if err := rn.runPhase(ctx, r, p.state, p.fn); err != nil {
			runErr = err
			break
		}
	}

	rn.finish(ctx, r, runErr)
	if runErr != nil {
		return r.result, runErr
	}
	return r.result, nil
}

// runPhase executes one phase and advances the state on success.
func (rn *Runner) runPhase(ctx context.Context, r *run, state State, fn phaseFunc) *PhaseError {
	ps := r.scope.StartPhase(string(state))
	start := time.Now()

	err := fn(ps.Ctx, r)
	var pe *PhaseError
	if err != nil {
		pe = newPhaseError(state, err)
		ps.Logger.Error().Err(err).Str("class", string(pe.Class)).Msg("Phase failed")
		ps.End(err, string(pe.Class))
	} else {
		r.result.State = state
		r.result.LastState = state
		ps.Logger.Info().Dur("duration", time.Since(start)).Msg("Phase completed")
		ps.End(nil, "")
	}

	rn.recordPhase(ctx, r, state, time.Since(start), pe)
	return pe
}

func (rn *Runner) recordPhase(ctx context.Context, r *run, state State, d time.Duration, pe *PhaseError) {
	rec := PhaseRecord{Phase: state, Duration: d}
	var cause error
	if pe != nil {
		rec.Error = pe.Cause.Error()
		cause = pe.Cause
	}
	r.result.Phases = append(r.result.Phases, rec)

	if r.journals {
		if err := rn.cfg.Journal.RecordPhase(context.WithoutCancel(ctx), r.req.RunID, string(state), cause); err != nil {
			r.scope.Logger.Warn().Err(err).Msg("Failed to journal phase")
		}
	}
}

func (rn *Runner) finish(ctx context.Context, r *run, runErr *PhaseError) {
	res := r.result
	if res.Installed() {
		files, err := listFiles(r.layout.Prefix)
		if err != nil {
			r.scope.Logger.Warn().Err(err).Msg("Failed to list installed files")
		}
		res.Files = files
	}
	if !rn.cfg.KeepWorkDir {
		if err := os.RemoveAll(r.workDir); err != nil {
			r.scope.Logger.Warn().Err(err).Str("dir", r.workDir).Msg("Failed to remove work dir")
		}
	}

	var (
		failedPhase string
		class       string
		err         error
	)
	if runErr != nil {
		res.State = StateFailed
		failedPhase = string(runErr.Phase)
		class = string(runErr.Class)
		err = runErr
	}
	res.CompletedAt = time.Now()

	if r.journals {
		if jerr := rn.cfg.Journal.EndRun(context.WithoutCancel(ctx), r.req.RunID, string(res.State), failedPhase, class, err); jerr != nil {
			r.scope.Logger.Warn().Err(jerr).Msg("Failed to journal run end")
		}
	}

	event := r.scope.Logger.Info()
	if err != nil {
		event = r.scope.Logger.Error().Err(err).Str("failed_phase", failedPhase)
	}
	event.Str("state", string(res.State)).
		Dur("duration", res.CompletedAt.Sub(res.StartedAt)).
		Msg("Install finished")

	r.scope.End(string(res.State), err)
}
