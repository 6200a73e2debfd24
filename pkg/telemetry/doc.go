// Package telemetry provides the observability plumbing for keg.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and a pipeline event stream behind one Telemetry
// value that the install engine carries.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	run := tel.StartRun(ctx, runID, "demo", "1.0")
//	phase := run.StartPhase("built")
//	err = build(phase.Ctx)
//	phase.End(err, "build")
//	run.End("tested", err)
//
// Each run produces one keg.install span with a keg.phase.<state> child per
// phase, install and phase counters, and install.* / phase.* events for
// subscribers such as the CLI progress printer.
//
// # Metrics
//
// Metrics live in a private registry and are served by Metrics.Handler:
//
//	keg_installs_started_total{package}
//	keg_installs_completed_total{package,state}
//	keg_install_duration_seconds{state}
//	keg_phase_duration_seconds{phase}
//	keg_phase_failures_total{phase,class}
//	keg_bootstrap_runs_total{outcome}
//	keg_fetch_cache_total{result}
//	keg_patch_rules_applied_total
//	keg_policy_denials_total{policy}
//	keg_active_installs
package telemetry
