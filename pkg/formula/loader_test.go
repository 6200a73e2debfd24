package formula

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const demoSHA = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

const demoCUE = `
name:    "demo"
version: "1.0"
desc:    "Demo daemon"
source: {
	url:    "https://example.com/demo-1.0.tar.gz"
	sha256: "` + demoSHA + `"
}
dependencies: [{name: "cmake", build_only: true}, {name: "openssl"}]
conflicts: [{
	with: ["mysql", "percona-server"]
	because: "both install a server"
}]
build: {
	system: "cmake"
	options: {"-DWITH_SSL": "system"}
}
patch_rules: [{
	path:    "cfg"
	find:    "PLACEHOLDER_PREFIX"
	replace: "${layout.prefix}"
}]
service: {
	program: "${layout.bin}/demod"
	restart: "always"
}
`

const demoYAML = `
name: demo
version: "1.0"
source:
  url: https://example.com/demo-1.0.tar.gz
  sha256: ` + demoSHA + `
dependencies:
  - openssl
  - name: cmake
    build_only: true
conflicts:
  - with: mysql
    because: both install a server
patch_rules:
  - path: cfg
    find: PLACEHOLDER_PREFIX
    replace: ${layout.prefix}
service:
  program: ${layout.bin}/demod
`

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	return l
}

func TestLoadCUE(t *testing.T) {
	l := newTestLoader(t)

	spec, err := l.LoadCUE("demo.cue", []byte(demoCUE))
	if err != nil {
		t.Fatalf("LoadCUE failed: %v", err)
	}

	if spec.ID() != "demo@1.0" {
		t.Errorf("expected demo@1.0, got %s", spec.ID())
	}
	if len(spec.Dependencies) != 2 || !spec.Dependencies[0].BuildOnly {
		t.Errorf("unexpected dependencies: %+v", spec.Dependencies)
	}
	if got := spec.ConflictNames(); strings.Join(got, ",") != "mysql,percona-server" {
		t.Errorf("unexpected conflicts: %v", got)
	}
	for _, c := range spec.Conflicts {
		if c.Reason != "both install a server" {
			t.Errorf("conflict %s lost its reason", c.Package)
		}
	}
	if spec.Build.System != BuildSystemCMake {
		t.Errorf("expected cmake, got %s", spec.Build.System)
	}
	if spec.Service == nil || spec.Service.Program != "${layout.bin}/demod" {
		t.Errorf("unexpected service: %+v", spec.Service)
	}
}

func TestLoadCUERejectsSchemaViolations(t *testing.T) {
	l := newTestLoader(t)

	tests := []struct {
		name string
		src  string
	}{
		{"unknown field", demoCUE + "\nflavour: \"vanilla\"\n"},
		{"bad build system", strings.Replace(demoCUE, `system: "cmake"`, `system: "bazel"`, 1)},
		{"missing source", `name: "demo"
version: "1.0"`},
		{"bad hash", strings.Replace(demoCUE, demoSHA, "abc", 1)},
		{"empty conflict list", strings.Replace(demoCUE, `["mysql", "percona-server"]`, `[]`, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.LoadCUE("demo.cue", []byte(tt.src))
			if err == nil {
				t.Fatal("expected error")
			}
			verrs, ok := err.(ValidationErrors)
			if !ok {
				t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
			}
			if len(verrs) == 0 {
				t.Fatal("expected at least one validation error")
			}
		})
	}
}

func TestLoadYAMLShorthands(t *testing.T) {
	l := newTestLoader(t)

	spec, err := l.LoadYAML("demo.yaml", []byte(demoYAML))
	if err != nil {
		t.Fatalf("LoadYAML failed: %v", err)
	}

	if spec.Dependencies[0].Name != "openssl" || spec.Dependencies[0].BuildOnly {
		t.Errorf("bare dependency decoded as %+v", spec.Dependencies[0])
	}
	if !spec.Dependencies[1].BuildOnly {
		t.Errorf("mapping dependency decoded as %+v", spec.Dependencies[1])
	}
	if len(spec.Conflicts) != 1 || spec.Conflicts[0].Package != "mysql" {
		t.Errorf("unexpected conflicts: %+v", spec.Conflicts)
	}
}

func TestLoadYAMLUnknownField(t *testing.T) {
	l := newTestLoader(t)

	_, err := l.LoadYAML("demo.yaml", []byte(demoYAML+"flavour: vanilla\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFile(t *testing.T) {
	l := newTestLoader(t)
	dir := t.TempDir()

	cuePath := filepath.Join(dir, "demo.cue")
	yamlPath := filepath.Join(dir, "demo.yml")
	txtPath := filepath.Join(dir, "demo.txt")
	for path, content := range map[string]string{cuePath: demoCUE, yamlPath: demoYAML, txtPath: "x"} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	for _, path := range []string{cuePath, yamlPath} {
		if _, err := l.LoadFile(path); err != nil {
			t.Errorf("LoadFile(%s) failed: %v", filepath.Base(path), err)
		}
	}

	if _, err := l.LoadFile(txtPath); err == nil {
		t.Error("expected error for unsupported extension")
	}
	if _, err := l.LoadFile(filepath.Join(dir, "missing.cue")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadReportsFileOnStaticErrors(t *testing.T) {
	l := newTestLoader(t)

	src := strings.Replace(demoYAML, "${layout.prefix}", "${layout.prefx}", 1)
	_, err := l.LoadYAML("demo.yaml", []byte(src))
	if err == nil {
		t.Fatal("expected unknown placeholder error")
	}
	if !strings.Contains(err.Error(), "demo.yaml") || !strings.Contains(err.Error(), "layout.prefx") {
		t.Errorf("error lacks file or placeholder: %v", err)
	}
}
