// Package bootstrap performs the one-time initialization of a package's data
// store.
//
// The marker file under the data root is the only record that the
// initialization happened. It is written after the initializer succeeds and
// never otherwise, so a failed run leaves nothing behind and the next
// pipeline run retries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/layout"
	"github.com/openfroyo/keg/pkg/toolchain"
)

// DefaultMarker is the marker file name when a formula does not set one.
const DefaultMarker = ".keg_bootstrapped"

// Config is the explicit identity the initializer runs under. It is passed to
// the child process environment only.
type Config struct {
	// User is the operating identity, exported as USER and LOGNAME and
	// available as ${identity.user}.
	User string `json:"user"`

	// TmpDir overrides TMPDIR for the initializer. Empty leaves it unset.
	TmpDir string `json:"tmp_dir,omitempty"`
}

// Error is returned when the initializer fails. No marker is written.
type Error struct {
	// Cause is the underlying failure.
	Cause error

	// ExitCode is the initializer's exit status, or -1 if it never ran.
	ExitCode int

	// Output is the initializer's captured output.
	Output string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("bootstrap failed: %v", e.Cause)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Bootstrapper runs data store initializers.
type Bootstrapper struct {
	runner toolchain.Runner
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Bootstrapper that runs initializers through runner.
func New(runner toolchain.Runner, logger zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{
		runner: runner,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// MarkerPath returns where the marker for l lives.
func MarkerPath(l layout.Layout, spec *formula.BootstrapSpec) string {
	name := DefaultMarker
	if spec != nil && spec.Marker != "" {
		name = spec.Marker
	}
	return filepath.Join(l.Var, name)
}

// IsInitialized reports whether the marker for l exists.
func IsInitialized(l layout.Layout, spec *formula.BootstrapSpec) (bool, error) {
	_, err := os.Lstat(MarkerPath(l, spec))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Vars returns the placeholder values for the initializer: the layout plus
// the identity in cfg, with the temp dir defaulted.
func Vars(l layout.Layout, spec *formula.BootstrapSpec, cfg Config) layout.Vars {
	tmp := cfg.TmpDir
	if tmp == "" && spec != nil {
		tmp = l.Vars().Expand(spec.TmpDir)
	}
	if tmp == "" {
		tmp = os.TempDir()
	}
	return l.Vars().With(layout.IdentityVars(cfg.User, tmp))
}

// EnsureInitialized initializes the data store for l unless the marker is
// already present. It reports whether the initializer ran on this call.
// Calls for the same data root are serialized; any number of calls converge
// to exactly one successful initialization.
func (b *Bootstrapper) EnsureInitialized(ctx context.Context, l layout.Layout, spec *formula.BootstrapSpec, cfg Config) (bool, error) {
	lock := b.lockFor(l.Var)
	lock.Lock()
	defer lock.Unlock()

	done, err := IsInitialized(l, spec)
	if err != nil {
		return false, &Error{Cause: fmt.Errorf("failed to check marker: %w", err), ExitCode: -1}
	}
	if done {
		b.logger.Debug().Str("data_root", l.Var).Msg("Data store already initialized")
		return false, nil
	}

	if err := os.MkdirAll(l.Var, 0o755); err != nil {
		return false, &Error{Cause: fmt.Errorf("failed to create data root: %w", err), ExitCode: -1}
	}

	vars := Vars(l, spec, cfg)
	if spec != nil && len(spec.Command) > 0 {
		inv := toolchain.Invocation{
			Argv: vars.ExpandAll(spec.Command),
			Dir:  l.Var,
			Env:  identityEnv(cfg.User, vars["identity.tmpdir"]),
		}

		b.logger.Info().
			Str("data_root", l.Var).
			Str("command", inv.String()).
			Str("user", cfg.User).
			Msg("Initializing data store")

		res, err := b.runner.Run(ctx, inv)
		if err != nil {
			return false, &Error{Cause: err, ExitCode: -1}
		}
		if !res.Success() {
			return false, &Error{
				Cause:    fmt.Errorf("initializer exited with status %d", res.ExitCode),
				ExitCode: res.ExitCode,
				Output:   res.Output,
			}
		}
	}

	if err := writeMarker(MarkerPath(l, spec), l); err != nil {
		return false, &Error{Cause: err, ExitCode: -1}
	}

	b.logger.Info().Str("data_root", l.Var).Msg("Data store initialized")
	return true, nil
}

func (b *Bootstrapper) lockFor(dataRoot string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.locks[dataRoot]
	if !ok {
		m = &sync.Mutex{}
		b.locks[dataRoot] = m
	}
	return m
}

func identityEnv(user, tmpDir string) []string {
	var env []string
	if user != "" {
		env = append(env, "USER="+user, "LOGNAME="+user)
	}
	if tmpDir != "" {
		env = append(env, "TMPDIR="+tmpDir)
	}
	return env
}

// writeMarker creates the marker through a rename so a crash never leaves a
// partial marker behind.
func writeMarker(path string, l layout.Layout) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".marker-*")
	if err != nil {
		return fmt.Errorf("failed to create marker: %w", err)
	}
	defer os.Remove(tmp.Name())

	content := fmt.Sprintf("%s %s %s\n", l.Name, l.Version, time.Now().UTC().Format(time.RFC3339))
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write marker: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write marker: %w", err)
	}
	return nil
}
