package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/keg/pkg/conflict"
	"github.com/openfroyo/keg/pkg/formula"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks an install.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the install.
	SeverityError Severity = "error"
)

// Blocking reports whether violations of s deny admission.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// Policy is one Rego admission policy. The module must define a `deny` set
// in its package; each element is a message string or an object with
// message and optional severity.
type Policy struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Rego        string                 `json:"rego"`
	Severity    Severity               `json:"severity"`
	Enabled     bool                   `json:"enabled"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Builtin     bool                   `json:"-"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Package  string   `json:"package"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Package   *formula.PackageSpec `json:"package"`
	Installed []conflict.Record    `json:"installed"`
	Context   Context              `json:"context"`
}

// Context describes the operation being admitted.
type Context struct {
	Operation string    `json:"operation"`
	Root      string    `json:"root,omitempty"`
	User      string    `json:"user,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeniedError is returned by Admit when a blocking violation exists.
type DeniedError struct {
	Package    string
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Policy+": "+v.Message)
	}
	return fmt.Sprintf("policy denied %s: %s", e.Package, strings.Join(msgs, "; "))
}
