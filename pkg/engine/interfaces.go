package engine

import (
	"context"

	"github.com/openfroyo/keg/pkg/conflict"
	"github.com/openfroyo/keg/pkg/fetch"
	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/toolchain"
)

// Toolchain runs external build tools, initializers and self-tests.
// A command that ran and exited non-zero is reported in the Result, not as
// an error.
type Toolchain interface {
	Run(ctx context.Context, inv toolchain.Invocation) (*toolchain.Result, error)
}

// Fetcher downloads, verifies and unpacks source archives.
type Fetcher interface {
	Fetch(ctx context.Context, src formula.Source, workDir string) (*fetch.Result, error)
}

// Registry is the installed-package snapshot the validate phase checks
// against.
type Registry interface {
	// InstalledRecords returns one record per installed package.
	InstalledRecords(ctx context.Context) ([]conflict.Record, error)

	// IsInstalled reports whether any version of name is installed.
	IsInstalled(ctx context.Context, name string) (bool, error)
}

// Journal receives the run history. Journal failures are logged and never
// fail a run.
type Journal interface {
	BeginRun(ctx context.Context, runID, root string, spec *formula.PackageSpec) error
	RecordPhase(ctx context.Context, runID, phase string, err error) error
	EndRun(ctx context.Context, runID, state, failedPhase, errorClass string, err error) error
}

// Policy admits or denies a candidate before anything is fetched.
type Policy interface {
	Admit(ctx context.Context, spec *formula.PackageSpec, installed []conflict.Record) error
}

// StaticRegistry is a Registry over a fixed snapshot.
type StaticRegistry []conflict.Record

// InstalledRecords returns the snapshot.
func (r StaticRegistry) InstalledRecords(context.Context) ([]conflict.Record, error) {
	return r, nil
}

// IsInstalled reports whether the snapshot holds name.
func (r StaticRegistry) IsInstalled(_ context.Context, name string) (bool, error) {
	for _, rec := range r {
		if rec.Package == name {
			return true, nil
		}
	}
	return false, nil
}
