// Package patch rewrites installed artifacts so they reference the runtime
// layout instead of build-time paths.
//
// Rules run in declaration order against the current file contents, so a
// rule may match text produced by an earlier one. A missing artifact or a
// pattern that does not occur is fatal: it means upstream changed the file
// and leaving it unpatched would ship stale paths.
package patch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/layout"
)

var (
	// ErrArtifactMissing is the cause when the rule's file does not exist.
	ErrArtifactMissing = errors.New("artifact missing")

	// ErrPatternNotFound is the cause when the find pattern does not occur.
	ErrPatternNotFound = errors.New("pattern not found")
)

// Error reports the rule that could not be applied.
type Error struct {
	// Rule is the failing rule as declared.
	Rule formula.PatchRule

	// Index is the rule's position in the declared list.
	Index int

	// Path is the resolved artifact path.
	Path string

	// Err is the cause: ErrArtifactMissing, ErrPatternNotFound,
	// layout.ErrOutsideRoot or an I/O error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("patch rule %d (%s): %v", e.Index, e.Rule, e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Reason is the cause as text.
func (e *Error) Reason() string {
	return e.Err.Error()
}

// Result describes one applied rule.
type Result struct {
	Path         string `json:"path"`
	Replacements int    `json:"replacements"`
}

// Patcher applies patch rules.
type Patcher struct {
	logger zerolog.Logger
}

// New creates a Patcher that logs through logger.
func New(logger zerolog.Logger) *Patcher {
	return &Patcher{logger: logger}
}

// Apply runs rules in order. Rule paths and replacements are expanded with
// vars; relative paths resolve against the layout prefix. An artifact must
// live inside the installation root, symlinks included. Apply stops at the
// first failing rule and returns an *Error. Files already rewritten by
// earlier rules are left as they are.
func (p *Patcher) Apply(rules []formula.PatchRule, l layout.Layout, vars layout.Vars) ([]Result, error) {
	root, err := filepath.EvalSymlinks(l.Root)
	if err != nil {
		root = l.Root
	}

	results := make([]Result, 0, len(rules))
	for i, rule := range rules {
		path, err := l.Confine(vars.Expand(rule.Path))
		if err != nil {
			return results, &Error{Rule: rule, Index: i, Path: path, Err: err}
		}
		n, err := applyRule(rule, path, root, replacement(rule, vars))
		if err != nil {
			return results, &Error{Rule: rule, Index: i, Path: path, Err: err}
		}
		p.logger.Debug().
			Int("rule", i).
			Str("path", path).
			Str("mode", string(mode(rule))).
			Int("replacements", n).
			Msg("Patch rule applied")
		results = append(results, Result{Path: path, Replacements: n})
	}
	return results, nil
}

// replacement expands the rule's placeholders. In regex mode the result is
// an expansion template, so dollar signs in placeholder values are escaped
// and only the ones written in the rule act as group references.
func replacement(rule formula.PatchRule, vars layout.Vars) string {
	if mode(rule) != formula.PatchModeRegex {
		return vars.Expand(rule.Replace)
	}
	escaped := make(layout.Vars, len(vars))
	for k, v := range vars {
		escaped[k] = strings.ReplaceAll(v, "$", "$$")
	}
	return escaped.Expand(rule.Replace)
}

func mode(r formula.PatchRule) formula.PatchMode {
	if r.Mode == "" {
		return formula.PatchModeLiteral
	}
	return r.Mode
}

func applyRule(rule formula.PatchRule, path, root, replacement string) (int, error) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrArtifactMissing
		}
		return 0, err
	}
	if !layout.Within(root, real) {
		return 0, fmt.Errorf("%w: %s resolves to %s", layout.ErrOutsideRoot, path, real)
	}
	info, err := os.Stat(real)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}

	data, err := os.ReadFile(real)
	if err != nil {
		return 0, fmt.Errorf("failed to read artifact: %w", err)
	}

	out, n, err := rewrite(string(data), rule, replacement)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrPatternNotFound
	}

	if err := writeAtomic(real, []byte(out), info.Mode().Perm()); err != nil {
		return 0, err
	}
	return n, nil
}

// rewrite returns content with the rule applied and the number of
// replacements made.
func rewrite(content string, rule formula.PatchRule, replacement string) (string, int, error) {
	switch mode(rule) {
	case formula.PatchModeLiteral:
		n := strings.Count(content, rule.Find)
		if n == 0 {
			return content, 0, nil
		}
		if rule.All {
			return strings.ReplaceAll(content, rule.Find, replacement), n, nil
		}
		return strings.Replace(content, rule.Find, replacement, 1), 1, nil

	case formula.PatchModeRegex:
		re, err := regexp.Compile(rule.Find)
		if err != nil {
			return content, 0, fmt.Errorf("invalid pattern: %w", err)
		}
		return replaceRegexp(content, re, replacement, rule.All)

	case formula.PatchModeMakeVar:
		re, err := makeVarPattern(rule.Find)
		if err != nil {
			return content, 0, err
		}
		tmpl := "${1}" + rule.Find + "=" + strings.ReplaceAll(replacement, "$", "$$")
		return replaceRegexp(content, re, tmpl, rule.All)
	}
	return content, 0, fmt.Errorf("unknown patch mode %q", rule.Mode)
}

// replaceRegexp replaces the first match, or all matches, expanding $1-style
// references in tmpl.
func replaceRegexp(content string, re *regexp.Regexp, tmpl string, all bool) (string, int, error) {
	matches := re.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content, 0, nil
	}
	if !all {
		matches = matches[:1]
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(content[last:m[0]])
		sb.Write(re.ExpandString(nil, tmpl, content, m))
		last = m[1]
	}
	sb.WriteString(content[last:])
	return sb.String(), len(matches), nil
}

// makeVarPattern matches a make-style assignment of name, including
// backslash-continued values and the ?=, +=, := and != operators.
func makeVarPattern(name string) (*regexp.Regexp, error) {
	return regexp.Compile(`(?m)^([ \t]*)` + regexp.QuoteMeta(name) + `[ \t]*[?+:!]?=[ \t]*((?:.*\\\n)*.*)$`)
}

// writeAtomic replaces path with data through a temporary file in the same
// directory, keeping perm.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+".keg-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace artifact: %w", err)
	}
	return nil
}
