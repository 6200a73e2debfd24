package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/keg/pkg/bootstrap"
	"github.com/openfroyo/keg/pkg/conflict"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that a fresh run of the same
	// pipeline may get past. Only bootstrap failures are transient: the
	// marker is absent, so re-invoking the pipeline retries initialization.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates the candidate conflicts with an installed
	// package. The caller must resolve it before retrying.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid formula, checksum mismatch, failed build, failed patch.
	ErrorClassPermanent ErrorClass = "permanent"
)

// PhaseError is the only error type Runner.Run returns for pipeline failures.
type PhaseError struct {
	// Phase is the state the failed phase was trying to reach.
	Phase State

	// Class is the classification of Cause.
	Class ErrorClass

	// Cause is the underlying failure.
	Cause error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("[%s] %s phase failed: %v", e.Class, e.Phase, e.Cause)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *PhaseError) Unwrap() error {
	return e.Cause
}

// BuildError is a toolchain failure in the build or install phase.
type BuildError struct {
	Phase      State
	Argv       []string
	ExitStatus int
	Output     string
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return fmt.Sprintf("%s exited with status %d", strings.Join(e.Argv, " "), e.ExitStatus)
}

// TestError is a failed self-test. The install is kept.
type TestError struct {
	Cause error
}

// Error implements the error interface.
func (e *TestError) Error() string {
	return fmt.Sprintf("self-test failed: %v", e.Cause)
}

// Unwrap returns the cause.
func (e *TestError) Unwrap() error {
	return e.Cause
}

// MissingDependencyError reports a dependency that is not installed.
type MissingDependencyError struct {
	Name      string
	BuildOnly bool
}

// Error implements the error interface.
func (e *MissingDependencyError) Error() string {
	if e.BuildOnly {
		return fmt.Sprintf("build dependency %s is not installed", e.Name)
	}
	return fmt.Sprintf("dependency %s is not installed", e.Name)
}

// Classify returns the class of a phase failure cause.
func Classify(err error) ErrorClass {
	var ce *conflict.Error
	if errors.As(err, &ce) {
		return ErrorClassConflict
	}
	var be *bootstrap.Error
	if errors.As(err, &be) {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

func newPhaseError(phase State, cause error) *PhaseError {
	return &PhaseError{Phase: phase, Class: Classify(cause), Cause: cause}
}

// FailedPhase returns the phase a run failed in.
func FailedPhase(err error) (State, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}

// ClassOf returns the class carried by err, or "" when err is not a
// *PhaseError.
func ClassOf(err error) ErrorClass {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return ClassOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return ClassOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if re-invoking the pipeline may succeed without
// any change by the caller. Only bootstrap failures qualify.
func IsRetryable(err error) bool {
	return IsTransient(err)
}
