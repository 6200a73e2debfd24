// Package engine drives a package formula through the keg install pipeline.
//
// # Pipeline
//
// A run moves strictly forward through fixed states, one phase per state:
//
//  1. validated - static formula checks, dependency presence, admission
//     policy and declared conflicts. Nothing on disk is touched before
//     this state is reached.
//  2. fetched - the source archive is downloaded, verified and unpacked.
//  3. built - configure and build steps run through the Toolchain.
//  4. installed - toolchain install commands, then declarative install steps.
//  5. patched - ordered artifact rewrites bound to the resolved layout.
//  6. bootstrapped - one-time data store initialization guarded by a marker.
//  7. service_ready - the service descriptor is rendered and written.
//  8. tested - the self-test command and expected files.
//
// The first failing phase moves the run to the absorbing failed state. The
// error is a *PhaseError whose Phase is the state that could not be reached.
// Nothing is retried in place and nothing is rolled back.
//
// # Error Classification
//
// Errors are classified for retry decisions:
//
//   - Conflict: the candidate conflicts with an installed package
//   - Transient: bootstrap failed; the marker is absent and a new run retries
//   - Permanent: everything else
//
//	res, err := runner.Run(ctx, engine.Request{Spec: spec, Root: "/opt/keg"})
//	if engine.IsRetryable(err) {
//	    // run the pipeline again
//	}
//
// # Collaborators
//
// The Runner reaches the outside world only through interfaces: Toolchain
// for external commands, Fetcher for sources, Registry for the installed
// snapshot, Journal for run history and Policy for admission. Run is safe to
// call concurrently for different packages; bootstraps of the same data
// root are serialized.
package engine
