// Package conflict decides whether a candidate package may be installed next
// to the packages already present.
package conflict

import (
	"fmt"
	"strings"

	"github.com/openfroyo/keg/pkg/formula"
)

// Record describes one currently installed package. Records are a read-only
// snapshot supplied by the installed-package registry.
type Record struct {
	// Package is the installed package name.
	Package string `json:"package"`

	// Version is the installed version.
	Version string `json:"version,omitempty"`

	// Reason is free text recorded at install time.
	Reason string `json:"reason,omitempty"`

	// Files are the paths the installed package claims.
	Files []string `json:"files,omitempty"`

	// Declares is the installed package's own conflict list. Only consulted
	// when symmetric checking is enabled.
	Declares []formula.Conflict `json:"declares,omitempty"`
}

// Error is returned when the candidate may not be installed.
type Error struct {
	// With is the installed package that vetoes the install.
	With string

	// Reason is the declared reason for the conflict.
	Reason string

	// Files are the paths claimed by With.
	Files []string

	// Reverse is set when the veto comes from With's own declaration.
	Reverse bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "conflicts with installed package %s", e.With)
	if e.Reverse {
		sb.WriteString(" (declared by " + e.With + ")")
	}
	if e.Reason != "" {
		sb.WriteString(": " + e.Reason)
	}
	return sb.String()
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithSymmetric makes the resolver also honor conflicts that installed
// packages declare against the candidate.
func WithSymmetric() Option {
	return func(r *Resolver) {
		r.symmetric = true
	}
}

// Resolver checks declared conflicts. The zero value checks only the
// candidate's own declarations.
type Resolver struct {
	symmetric bool
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Symmetric reports whether reverse declarations are honored.
func (r *Resolver) Symmetric() bool {
	return r.symmetric
}

// Check returns nil when candidate may be installed alongside installed, or
// an *Error naming the first conflict found. Declarations are walked in
// order and the first match wins. A record for the candidate's own name is
// an upgrade or reinstall, not a conflict.
func (r *Resolver) Check(candidate *formula.PackageSpec, installed []Record) error {
	byName := make(map[string]Record, len(installed))
	for _, rec := range installed {
		if _, seen := byName[rec.Package]; !seen {
			byName[rec.Package] = rec
		}
	}

	for _, c := range candidate.Conflicts {
		if c.Package == candidate.Name {
			continue
		}
		if rec, ok := byName[c.Package]; ok {
			return &Error{With: rec.Package, Reason: c.Reason, Files: rec.Files}
		}
	}

	if !r.symmetric {
		return nil
	}

	for _, rec := range installed {
		if rec.Package == candidate.Name {
			continue
		}
		for _, c := range rec.Declares {
			if c.Package == candidate.Name {
				return &Error{With: rec.Package, Reason: c.Reason, Files: rec.Files, Reverse: true}
			}
		}
	}
	return nil
}
