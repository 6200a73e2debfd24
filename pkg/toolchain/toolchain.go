// Package toolchain runs external build tools, initializers and self-tests.
package toolchain

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxOutput is how much combined output a Result keeps.
const DefaultMaxOutput = 64 * 1024

// Invocation is one external command.
type Invocation struct {
	// Argv is the program and its arguments. Argv[0] is looked up in PATH.
	Argv []string `json:"argv"`

	// Dir is the working directory.
	Dir string `json:"dir,omitempty"`

	// Env holds KEY=VALUE pairs added on top of the runner's base environment.
	// The calling process's environment is never modified.
	Env []string `json:"env,omitempty"`
}

// String renders the argv for logs.
func (inv Invocation) String() string {
	return strings.Join(inv.Argv, " ")
}

// Result is the outcome of an invocation that started.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Success reports a zero exit status.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes invocations. A non-nil error means the command could not
// be run at all; a command that ran and failed returns a Result with a
// non-zero ExitCode.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, inv Invocation) (*Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, inv Invocation) (*Result, error) {
	return f(ctx, inv)
}

// ExecRunner runs invocations as child processes.
type ExecRunner struct {
	// BaseEnv is the environment every invocation starts from. Nil means the
	// current process environment.
	BaseEnv []string

	// MaxOutput bounds the captured output; the tail is kept.
	MaxOutput int

	// Stream, when set, also receives the combined output as it is produced.
	Stream io.Writer

	Logger zerolog.Logger
}

// NewExecRunner creates an ExecRunner with default limits.
func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{MaxOutput: DefaultMaxOutput, Logger: logger}
}

// Run executes inv and waits for it to exit.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if len(inv.Argv) == 0 || inv.Argv[0] == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir

	base := r.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = append(append([]string{}, base...), inv.Env...)

	limit := r.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	out := &tailBuffer{max: limit}
	var w io.Writer = out
	if r.Stream != nil {
		w = io.MultiWriter(out, r.Stream)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	r.Logger.Debug().
		Str("command", inv.String()).
		Str("dir", inv.Dir).
		Msg("Running command")

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Output:   out.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to execute %s: %w", inv.Argv[0], err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	r.Logger.Debug().
		Str("command", inv.String()).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Command finished")

	return result, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.truncated {
		return "[output truncated]\n" + string(t.buf)
	}
	return string(t.buf)
}
