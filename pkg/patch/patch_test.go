package patch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/layout"
)

func setupPrefix(t *testing.T, files map[string]string) (layout.Layout, layout.Vars) {
	t.Helper()
	l := layout.Resolve(t.TempDir(), "demo", "1.0")
	for name, content := range files {
		path := filepath.Join(l.Prefix, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return l, l.Vars()
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestApplyModes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		rule    formula.PatchRule
		want    string
		wantN   int
	}{
		{
			name:    "literal first only",
			content: "a=PLACEHOLDER\nb=PLACEHOLDER\n",
			rule:    formula.PatchRule{Path: "cfg", Find: "PLACEHOLDER", Replace: "${package.name}"},
			want:    "a=demo\nb=PLACEHOLDER\n",
			wantN:   1,
		},
		{
			name:    "literal all",
			content: "a=PLACEHOLDER\nb=PLACEHOLDER\n",
			rule:    formula.PatchRule{Path: "cfg", Find: "PLACEHOLDER", Replace: "x", All: true},
			want:    "a=x\nb=x\n",
			wantN:   2,
		},
		{
			name:    "regex with backreference",
			content: "basedir=\"\"\nbindir=\"\"\n",
			rule: formula.PatchRule{
				Path: "cfg", Mode: formula.PatchModeRegex,
				Find: `^(\w+)dir=""`, Replace: `${1}dir="/x"`,
			},
			want:  "basedir=\"/x\"\nbindir=\"\"\n",
			wantN: 1,
		},
		{
			name:    "regex all multiline",
			content: "basedir=\"\"\nbindir=\"\"\n",
			rule: formula.PatchRule{
				Path: "cfg", Mode: formula.PatchModeRegex, All: true,
				Find: `(?m)^(\w+)dir=""`, Replace: `${1}dir="/x"`,
			},
			want:  "basedir=\"/x\"\nbindir=\"/x\"\n",
			wantN: 2,
		},
		{
			name:    "make var",
			content: "CC = gcc\nCFLAGS := -O2 \\\n  -g\nLDFLAGS=\n",
			rule: formula.PatchRule{
				Path: "Makefile", Mode: formula.PatchModeMakeVar,
				Find: "CFLAGS", Replace: "-O3",
			},
			want:  "CC = gcc\nCFLAGS=-O3\nLDFLAGS=\n",
			wantN: 1,
		},
		{
			name:    "make var keeps dollar signs",
			content: "  PREFIX ?= /usr/local\n",
			rule: formula.PatchRule{
				Path: "Makefile", Mode: formula.PatchModeMakeVar,
				Find: "PREFIX", Replace: "$(DESTDIR)/opt",
			},
			want:  "  PREFIX=$(DESTDIR)/opt\n",
			wantN: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, vars := setupPrefix(t, map[string]string{tt.rule.Path: tt.content})
			p := New(zerolog.Nop())

			results, err := p.Apply([]formula.PatchRule{tt.rule}, l, vars)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if results[0].Replacements != tt.wantN {
				t.Errorf("expected %d replacements, got %d", tt.wantN, results[0].Replacements)
			}
			if got := readFile(t, filepath.Join(l.Prefix, tt.rule.Path)); got != tt.want {
				t.Errorf("content:\n got %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestApplyExpandsLayout(t *testing.T) {
	l, vars := setupPrefix(t, map[string]string{"bin/demo_safe": "basedir=PLACEHOLDER_PREFIX\n"})
	p := New(zerolog.Nop())

	rules := []formula.PatchRule{{Path: "bin/demo_safe", Find: "PLACEHOLDER_PREFIX", Replace: "${layout.prefix}"}}
	if _, err := p.Apply(rules, l, vars); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := readFile(t, filepath.Join(l.Bin, "demo_safe")); got != "basedir="+l.Prefix+"\n" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestApplyOrdering(t *testing.T) {
	// rule2 matches only what rule1 writes.
	l, vars := setupPrefix(t, map[string]string{"bin/wrapper": "exec BUILD_HELPER \"$@\"\n"})
	rule1 := formula.PatchRule{Path: "bin/wrapper", Find: "BUILD_HELPER", Replace: "${layout.libexec}/helper"}
	rule2 := formula.PatchRule{Path: "bin/wrapper", Find: l.Libexec + "/helper", Replace: "${layout.opt_bin}/helper"}

	p := New(zerolog.Nop())
	if _, err := p.Apply([]formula.PatchRule{rule1, rule2}, l, vars); err != nil {
		t.Fatalf("declared order failed: %v", err)
	}
	if got := readFile(t, filepath.Join(l.Bin, "wrapper")); got != "exec "+l.OptBin+"/helper \"$@\"\n" {
		t.Errorf("unexpected content %q", got)
	}

	l, vars = setupPrefix(t, map[string]string{"bin/wrapper": "exec BUILD_HELPER \"$@\"\n"})
	rule2.Find = l.Libexec + "/helper"

	_, err := p.Apply([]formula.PatchRule{rule2, rule1}, l, vars)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error for reversed order, got %v", err)
	}
	if perr.Index != 0 || !errors.Is(err, ErrPatternNotFound) {
		t.Errorf("expected pattern-not-found at rule 0, got %v", perr)
	}
}

func TestApplyMissingArtifact(t *testing.T) {
	l, vars := setupPrefix(t, nil)
	p := New(zerolog.Nop())

	_, err := p.Apply([]formula.PatchRule{{Path: "cfg", Find: "x", Replace: "y"}}, l, vars)
	if !errors.Is(err, ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
	var perr *Error
	if errors.As(err, &perr) && perr.Reason() != "artifact missing" {
		t.Errorf("unexpected reason %q", perr.Reason())
	}
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	l, vars := setupPrefix(t, map[string]string{"a": "one", "b": "two"})
	p := New(zerolog.Nop())

	rules := []formula.PatchRule{
		{Path: "a", Find: "one", Replace: "1"},
		{Path: "b", Find: "three", Replace: "3"},
		{Path: "a", Find: "1", Replace: "uno"},
	}
	results, err := p.Apply(rules, l, vars)

	var perr *Error
	if !errors.As(err, &perr) || perr.Index != 1 {
		t.Fatalf("expected failure at rule 1, got %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 applied rule, got %d", len(results))
	}
	if got := readFile(t, filepath.Join(l.Prefix, "a")); got != "1" {
		t.Errorf("rule after the failure ran: %q", got)
	}
}

func TestApplyPreservesPermissions(t *testing.T) {
	l, vars := setupPrefix(t, map[string]string{"bin/demo": "#!/bin/sh\nexec PLACEHOLDER\n"})
	path := filepath.Join(l.Bin, "demo")
	if err := os.Chmod(path, 0o751); err != nil {
		t.Fatal(err)
	}

	p := New(zerolog.Nop())
	if _, err := p.Apply([]formula.PatchRule{{Path: "bin/demo", Find: "PLACEHOLDER", Replace: "${layout.bin}/demod"}}, l, vars); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o751 {
		t.Errorf("expected mode 0751, got %o", info.Mode().Perm())
	}

	entries, err := os.ReadDir(l.Bin)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestApplyFollowsSymlinks(t *testing.T) {
	l, vars := setupPrefix(t, map[string]string{"share/real.cnf": "datadir=PLACEHOLDER\n"})
	link := filepath.Join(l.Prefix, "my.cnf")
	if err := os.Symlink(filepath.Join(l.Share, "real.cnf"), link); err != nil {
		t.Fatal(err)
	}

	p := New(zerolog.Nop())
	if _, err := p.Apply([]formula.PatchRule{{Path: "my.cnf", Find: "PLACEHOLDER", Replace: "${layout.var}"}}, l, vars); err != nil {
		t.Fatal(err)
	}

	fi, err := os.Lstat(link)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		t.Error("symlink was replaced by a regular file")
	}
	if got := readFile(t, filepath.Join(l.Share, "real.cnf")); got != "datadir="+l.Var+"\n" {
		t.Errorf("unexpected content %q", got)
	}
}

func TestApplyRegexKeepsDollarInLayout(t *testing.T) {
	l := layout.Resolve(filepath.Join(t.TempDir(), "a$b"), "demo", "1.0")
	path := filepath.Join(l.Bin, "demo_safe")
	if err := os.MkdirAll(l.Bin, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("basedir=PLACEHOLDER_PREFIX\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	rules := []formula.PatchRule{{
		Path: "bin/demo_safe", Mode: formula.PatchModeRegex,
		Find: `(basedir=)PLACEHOLDER_PREFIX`, Replace: "${1}${layout.prefix}",
	}}
	if _, err := New(zerolog.Nop()).Apply(rules, l, l.Vars()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got, want := readFile(t, path), "basedir="+l.Prefix+"\n"; got != want {
		t.Errorf("content:\n got %q\nwant %q", got, want)
	}
}

func TestApplyRejectsPathsOutsideRoot(t *testing.T) {
	tests := []struct {
		name string
		path func(outside string) string
		link bool
	}{
		{name: "parent segments", path: func(string) string { return "../../../victim" }},
		{name: "absolute path", path: func(outside string) string { return outside }},
		{name: "symlink out of the root", path: func(string) string { return "etc/victim" }, link: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			outside := filepath.Join(dir, "victim")
			if err := os.WriteFile(outside, []byte("PLACEHOLDER\n"), 0o644); err != nil {
				t.Fatal(err)
			}
			l := layout.Resolve(filepath.Join(dir, "root"), "demo", "1.0")
			if err := os.MkdirAll(l.Prefix, 0o755); err != nil {
				t.Fatal(err)
			}
			if tt.link {
				if err := os.MkdirAll(filepath.Join(l.Prefix, "etc"), 0o755); err != nil {
					t.Fatal(err)
				}
				if err := os.Symlink(outside, filepath.Join(l.Prefix, "etc", "victim")); err != nil {
					t.Fatal(err)
				}
			}

			rules := []formula.PatchRule{{Path: tt.path(outside), Find: "PLACEHOLDER", Replace: "pwned"}}
			_, err := New(zerolog.Nop()).Apply(rules, l, l.Vars())
			if !errors.Is(err, layout.ErrOutsideRoot) {
				t.Fatalf("expected ErrOutsideRoot, got %v", err)
			}
			var perr *Error
			if !errors.As(err, &perr) || perr.Index != 0 {
				t.Errorf("expected *Error for rule 0, got %v", err)
			}
			if got := readFile(t, outside); got != "PLACEHOLDER\n" {
				t.Errorf("file outside the root was rewritten: %q", got)
			}
		})
	}
}
