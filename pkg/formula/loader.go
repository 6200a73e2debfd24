package formula

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// Loader reads formula files. CUE formulas are unified with the built-in
// #Formula schema; YAML formulas are decoded directly. Both are then run
// through Validate.
type Loader struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewLoader creates a Loader with the built-in schema compiled.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(formulaSchema, cue.Filename("formula_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile formula schema: %w", err)
	}
	return &Loader{ctx: ctx, schema: schema}, nil
}

// LoadFile reads and validates the formula at path. The format is chosen by
// extension: .cue, .yaml or .yml.
func (l *Loader) LoadFile(path string) (*PackageSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read formula %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		return l.LoadCUE(path, data)
	case ".yaml", ".yml":
		return l.LoadYAML(path, data)
	default:
		return nil, fmt.Errorf("unsupported formula format %q (want .cue, .yaml or .yml)", ext)
	}
}

// LoadCUE parses CUE source. filename is used in error positions only.
func (l *Loader) LoadCUE(filename string, src []byte) (*PackageSpec, error) {
	// cue.Context is not safe for concurrent use.
	l.mu.Lock()
	defer l.mu.Unlock()

	val := l.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified := l.schema.LookupPath(cue.ParsePath("#Formula")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var f File
	if err := unified.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode formula %s: %w", filename, err)
	}

	spec := f.Spec()
	if err := Validate(spec); err != nil {
		return nil, withFile(err, filename)
	}
	return spec, nil
}

// LoadYAML parses YAML source. Unknown fields are rejected.
func (l *Loader) LoadYAML(filename string, src []byte) (*PackageSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, ValidationErrors{{
			File:     filename,
			Message:  err.Error(),
			Severity: "error",
		}}
	}

	spec := f.Spec()
	if err := Validate(spec); err != nil {
		return nil, withFile(err, filename)
	}
	return spec, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		out = append(out, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return out
}

func withFile(err error, filename string) error {
	verrs, ok := err.(ValidationErrors)
	if !ok {
		return err
	}
	for i := range verrs {
		if verrs[i].File == "" {
			verrs[i].File = filename
		}
	}
	return verrs
}
