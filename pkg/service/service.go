// Package service renders and persists service descriptors for installed
// packages.
package service

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"

	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/layout"
)

// Descriptor is a fully resolved service definition.
type Descriptor struct {
	Label      string                `json:"label"`
	Program    string                `json:"program"`
	Args       []string              `json:"args,omitempty"`
	WorkingDir string                `json:"working_dir"`
	Restart    formula.RestartPolicy `json:"restart"`
	RunAtLoad  bool                  `json:"run_at_load"`
}

// Render substitutes layout and identity placeholders into tmpl. It does not
// fail: templates are checked when the formula is validated, and anything
// left unresolved is kept verbatim.
func Render(tmpl *formula.ServiceTemplate, l layout.Layout, identity layout.Vars) Descriptor {
	vars := l.Vars().With(identity)

	d := Descriptor{
		Label:      vars.Expand(tmpl.Label),
		Program:    vars.Expand(tmpl.Program),
		Args:       vars.ExpandAll(tmpl.Args),
		WorkingDir: vars.Expand(tmpl.WorkingDir),
		Restart:    tmpl.Restart,
		RunAtLoad:  tmpl.RunAtLoad,
	}
	if d.Label == "" {
		d.Label = DefaultLabel(l.Name)
	}
	if d.WorkingDir == "" {
		d.WorkingDir = l.Var
	}
	if d.Restart == "" {
		d.Restart = formula.RestartAlways
	}
	return d
}

// DefaultLabel is the label used when a template sets none.
func DefaultLabel(name string) string {
	return "keg." + name
}

// Path is where the descriptor for label is stored under l.
func Path(l layout.Layout, label string) string {
	return filepath.Join(l.Prefix, label+".plist")
}

// document is the property-list form of a Descriptor.
type document struct {
	Label            string   `plist:"Label"`
	Program          string   `plist:"Program"`
	ProgramArguments []string `plist:"ProgramArguments"`
	WorkingDirectory string   `plist:"WorkingDirectory"`
	KeepAlive        any      `plist:"KeepAlive"`
	RunAtLoad        bool     `plist:"RunAtLoad"`
	Restart          string   `plist:"KegRestartPolicy"`
}

// Marshal encodes d as an XML property list.
func Marshal(d Descriptor) ([]byte, error) {
	doc := document{
		Label:            d.Label,
		Program:          d.Program,
		ProgramArguments: append([]string{d.Program}, d.Args...),
		WorkingDirectory: d.WorkingDir,
		KeepAlive:        keepAlive(d.Restart),
		RunAtLoad:        d.RunAtLoad,
		Restart:          string(d.Restart),
	}

	var buf bytes.Buffer
	enc := plist.NewEncoderForFormat(&buf, plist.XMLFormat)
	enc.Indent("\t")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode service descriptor: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Unmarshal decodes a property list written by Marshal.
func Unmarshal(data []byte) (Descriptor, error) {
	var doc struct {
		Label            string   `plist:"Label"`
		ProgramArguments []string `plist:"ProgramArguments"`
		Program          string   `plist:"Program"`
		WorkingDirectory string   `plist:"WorkingDirectory"`
		RunAtLoad        bool     `plist:"RunAtLoad"`
		Restart          string   `plist:"KegRestartPolicy"`
	}
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		return Descriptor{}, fmt.Errorf("failed to decode service descriptor: %w", err)
	}

	d := Descriptor{
		Label:      doc.Label,
		Program:    doc.Program,
		WorkingDir: doc.WorkingDirectory,
		RunAtLoad:  doc.RunAtLoad,
		Restart:    formula.RestartPolicy(doc.Restart),
	}
	if len(doc.ProgramArguments) > 1 {
		d.Args = doc.ProgramArguments[1:]
	}
	return d, nil
}

// keepAlive maps a restart policy to launchd's KeepAlive value.
func keepAlive(p formula.RestartPolicy) any {
	switch p {
	case formula.RestartOnFailure:
		return map[string]bool{"SuccessfulExit": false}
	case formula.RestartNever:
		return false
	default:
		return true
	}
}

// Write stores d at Path(l, d.Label), replacing any previous descriptor.
func Write(l layout.Layout, d Descriptor) (string, error) {
	data, err := Marshal(d)
	if err != nil {
		return "", err
	}

	path := Path(l, d.Label)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create descriptor directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".descriptor-*")
	if err != nil {
		return "", fmt.Errorf("failed to create descriptor: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write descriptor: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write descriptor: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to write descriptor: %w", err)
	}
	return path, nil
}

// Read loads the descriptor stored at path.
func Read(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read service descriptor: %w", err)
	}
	return Unmarshal(data)
}
