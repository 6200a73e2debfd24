package formula

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/keg/pkg/layout"
)

func TestPlan(t *testing.T) {
	vars := layout.Resolve("/opt/keg", "demo", "1.0").Vars()

	tests := []struct {
		name          string
		build         BuildSpec
		wantConfigure []string
		wantSteps     [][]string
		wantInstall   [][]string
	}{
		{
			name: "cmake with options",
			build: BuildSpec{
				System:  BuildSystemCMake,
				Options: map[string]string{"-DWITH_SSL": "system", "-DINSTALL_MANDIR": "${layout.share}/man", "-DWITH_UNIT_TESTS": ""},
			},
			wantConfigure: []string{
				"cmake", ".",
				"-DCMAKE_INSTALL_PREFIX=/opt/keg/demo/1.0",
				"-DCMAKE_BUILD_TYPE=Release",
				"-DCMAKE_FIND_FRAMEWORK=LAST",
				"-DCMAKE_VERBOSE_MAKEFILE=ON",
				"-DINSTALL_MANDIR=/opt/keg/demo/1.0/share/man",
				"-DWITH_SSL=system",
				"-DWITH_UNIT_TESTS",
			},
			wantSteps:   [][]string{{"make"}},
			wantInstall: [][]string{{"make", "install"}},
		},
		{
			name:  "autotools",
			build: BuildSpec{System: BuildSystemAutotools},
			wantConfigure: []string{
				"./configure",
				"--prefix=/opt/keg/demo/1.0",
				"--sysconfdir=/opt/keg/etc/demo",
				"--localstatedir=/opt/keg/var/demo",
				"--disable-dependency-tracking",
			},
			wantSteps:   [][]string{{"make"}},
			wantInstall: [][]string{{"make", "install"}},
		},
		{
			name:        "plain make",
			build:       BuildSpec{System: BuildSystemMake},
			wantSteps:   [][]string{{"make"}},
			wantInstall: [][]string{{"make", "install", "PREFIX=/opt/keg/demo/1.0"}},
		},
		{
			name:  "none",
			build: BuildSpec{},
		},
		{
			name: "explicit steps",
			build: BuildSpec{
				System:  BuildSystemNone,
				Steps:   [][]string{{"sh", "build.sh", "${layout.prefix}"}},
				Install: [][]string{{"sh", "install.sh"}},
			},
			wantSteps:   [][]string{{"sh", "build.sh", "/opt/keg/demo/1.0"}},
			wantInstall: [][]string{{"sh", "install.sh"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			spec.Build = tt.build

			plan, err := spec.Plan(context.Background(), vars, nil)
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			if !reflect.DeepEqual(plan.Configure, tt.wantConfigure) {
				t.Errorf("configure:\n got %v\nwant %v", plan.Configure, tt.wantConfigure)
			}
			if !reflect.DeepEqual(plan.Steps, tt.wantSteps) {
				t.Errorf("steps: got %v, want %v", plan.Steps, tt.wantSteps)
			}
			if !reflect.DeepEqual(plan.Install, tt.wantInstall) {
				t.Errorf("install: got %v, want %v", plan.Install, tt.wantInstall)
			}
		})
	}
}

func TestPlanArgsScript(t *testing.T) {
	vars := layout.Resolve("/opt/keg", "demo", "1.0").Vars()
	spec := validSpec()
	spec.Build = BuildSpec{
		System:  BuildSystemCMake,
		Options: map[string]string{"-DPLUGIN_TOKUDB": "NO"},
		ArgsScript: `
def compute():
    out = ["-DMYSQL_DATADIR=" + layout.var + "/mysql"]
    if options.get("-DPLUGIN_TOKUDB") == "NO":
        out.append("-DWITHOUT_TOKUDB=1")
    return out

args = compute()
`,
	}

	plan, err := spec.Plan(context.Background(), vars, NewArgsEvaluator(time.Second))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	tail := plan.Configure[len(plan.Configure)-3:]
	want := []string{"-DPLUGIN_TOKUDB=NO", "-DMYSQL_DATADIR=/opt/keg/var/demo/mysql", "-DWITHOUT_TOKUDB=1"}
	if !reflect.DeepEqual(tail, want) {
		t.Errorf("configure tail: got %v, want %v", tail, want)
	}
}

func TestPlanEnv(t *testing.T) {
	vars := layout.Resolve("/opt/keg", "demo", "1.0").Vars()
	spec := validSpec()
	spec.Build.Env = map[string]string{"PKG_CONFIG_PATH": "${layout.lib}/pkgconfig", "CC": "cc"}

	plan, err := spec.Plan(context.Background(), vars, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"CC=cc", "PKG_CONFIG_PATH=/opt/keg/demo/1.0/lib/pkgconfig"}
	if !reflect.DeepEqual(plan.Env, want) {
		t.Errorf("env: got %v, want %v", plan.Env, want)
	}
}

func TestArgsEvaluatorErrors(t *testing.T) {
	eval := NewArgsEvaluator(200 * time.Millisecond)
	vars := layout.Resolve("/opt/keg", "demo", "1.0").Vars()

	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{"no args", "x = 1", "must define args"},
		{"not a list", "args = 3", "list of strings"},
		{"non-string element", "args = ['a', 2]", "args[1]"},
		{"runtime error", "args = [undefined_name]", "failed"},
		{"timeout", "def spin():\n    for i in range(100000000):\n        pass\nspin()\nargs = []", "cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eval.Evaluate(context.Background(), tt.script, vars, nil)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
