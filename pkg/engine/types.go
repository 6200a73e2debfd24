package engine

import (
	"time"

	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/layout"
	"github.com/openfroyo/keg/pkg/patch"
	"github.com/openfroyo/keg/pkg/service"
)

// State is the position of an install in the pipeline.
type State string

const (
	// StatePending is the state of a run that has not started.
	StatePending State = "pending"

	// StateValidated means static validation, dependency presence,
	// admission policy and conflict checks all passed.
	StateValidated State = "validated"

	// StateFetched means the source archive is verified and unpacked.
	StateFetched State = "fetched"

	// StateBuilt means configure and build steps succeeded.
	StateBuilt State = "built"

	// StateInstalled means the toolchain install and install steps ran.
	StateInstalled State = "installed"

	// StatePatched means every patch rule applied.
	StatePatched State = "patched"

	// StateBootstrapped means the data store is initialized.
	StateBootstrapped State = "bootstrapped"

	// StateServiceReady means the service descriptor is written.
	StateServiceReady State = "service_ready"

	// StateTested means the self-test passed. Terminal.
	StateTested State = "tested"

	// StateFailed is absorbing: a failed run never moves again.
	StateFailed State = "failed"
)

// pipeline is the fixed forward order of states a run moves through.
var pipeline = []State{
	StateValidated,
	StateFetched,
	StateBuilt,
	StateInstalled,
	StatePatched,
	StateBootstrapped,
	StateServiceReady,
	StateTested,
}

// Pipeline returns the states of a successful run in order.
func Pipeline() []State {
	return append([]State(nil), pipeline...)
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateTested || s == StateFailed
}

// Index is the position of s in the pipeline, or -1 for pending, failed and
// unknown states.
func (s State) Index() int {
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

// ParseState converts a persisted state name.
func ParseState(s string) (State, bool) {
	switch st := State(s); st {
	case StatePending, StateFailed:
		return st, true
	default:
		return st, st.Index() >= 0
	}
}

// Request is one install of a package.
type Request struct {
	// Spec is the package to install. It is never modified.
	Spec *formula.PackageSpec

	// Root is the installation root. It must be absolute.
	Root string

	// User is the operating identity for the initializer and templates.
	User string

	// TmpDir overrides the initializer's temporary directory.
	TmpDir string

	// RunID identifies the run. A new UUID is generated when empty.
	RunID string
}

// PhaseRecord is the outcome of one attempted phase.
type PhaseRecord struct {
	Phase    State         `json:"phase"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Result describes a finished run, successful or not.
type Result struct {
	RunID string `json:"run_id"`

	// State is the last state reached, or StateFailed.
	State State `json:"state"`

	// LastState is the last state successfully reached, even when the run
	// failed afterwards.
	LastState State `json:"last_state"`

	Layout layout.Layout `json:"layout"`

	// SourceDir is the unpacked source tree used for the build.
	SourceDir string `json:"source_dir,omitempty"`

	// Patches holds the per-rule replacement counts.
	Patches []patch.Result `json:"patches,omitempty"`

	// Bootstrapped is set when the initializer ran during this run.
	Bootstrapped bool `json:"bootstrapped"`

	Descriptor     *service.Descriptor `json:"descriptor,omitempty"`
	DescriptorPath string              `json:"descriptor_path,omitempty"`

	// Files are the regular files and symlinks under the prefix, relative
	// to it, sorted. Empty when the install phase never ran.
	Files []string `json:"files,omitempty"`

	Phases []PhaseRecord `json:"phases"`

	Caveats string `json:"caveats,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Installed reports whether the install tree was mutated during the run.
func (r *Result) Installed() bool {
	return r.LastState.Index() >= StateInstalled.Index()
}
