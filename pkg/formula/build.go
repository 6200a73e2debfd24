package formula

import (
	"context"
	"sort"

	"github.com/openfroyo/keg/pkg/layout"
)

// BuildPlan is the fully expanded set of toolchain invocations for one
// package. Configure is empty when the build system has no configure step.
type BuildPlan struct {
	Configure []string   `json:"configure,omitempty"`
	Steps     [][]string `json:"steps,omitempty"`
	Install   [][]string `json:"install,omitempty"`
	Env       []string   `json:"env,omitempty"`
}

// layoutFlags are appended to the configure command for each build system.
var layoutFlags = map[BuildSystem][]string{
	BuildSystemCMake: {
		"-DCMAKE_INSTALL_PREFIX=${layout.prefix}",
		"-DCMAKE_BUILD_TYPE=Release",
		"-DCMAKE_FIND_FRAMEWORK=LAST",
		"-DCMAKE_VERBOSE_MAKEFILE=ON",
	},
	BuildSystemAutotools: {
		"--prefix=${layout.prefix}",
		"--sysconfdir=${layout.etc}",
		"--localstatedir=${layout.var}",
		"--disable-dependency-tracking",
	},
}

var defaultConfigure = map[BuildSystem][]string{
	BuildSystemCMake:     {"cmake", "."},
	BuildSystemAutotools: {"./configure"},
}

// Plan expands the build section of spec against vars. The configure argv
// is, in order: the configure command, the build system's layout flags, the
// options as name=value sorted by name, then whatever the args script
// returns. A nil evaluator is only allowed when the formula has no script.
func (s *PackageSpec) Plan(ctx context.Context, vars layout.Vars, eval *ArgsEvaluator) (*BuildPlan, error) {
	b := s.Build
	system := b.System
	if system == "" {
		system = BuildSystemNone
		if len(b.Configure) > 0 {
			system = BuildSystemAutotools
		}
	}

	plan := &BuildPlan{}

	configure := b.Configure
	if len(configure) == 0 {
		configure = defaultConfigure[system]
	}
	if len(configure) > 0 {
		argv := append([]string{}, configure...)
		argv = append(argv, layoutFlags[system]...)
		argv = append(argv, optionArgs(b.Options)...)
		if b.ArgsScript != "" {
			if eval == nil {
				eval = NewArgsEvaluator(0)
			}
			extra, err := eval.Evaluate(ctx, b.ArgsScript, vars, b.Options)
			if err != nil {
				return nil, err
			}
			argv = append(argv, extra...)
		}
		plan.Configure = vars.ExpandAll(argv)
	}

	steps := b.Steps
	install := b.Install
	if system != BuildSystemNone {
		if len(steps) == 0 {
			steps = [][]string{{"make"}}
		}
		if len(install) == 0 {
			install = [][]string{{"make", "install"}}
			if system == BuildSystemMake {
				install = [][]string{{"make", "install", "PREFIX=${layout.prefix}"}}
			}
		}
	}
	for _, step := range steps {
		plan.Steps = append(plan.Steps, vars.ExpandAll(step))
	}
	for _, step := range install {
		plan.Install = append(plan.Install, vars.ExpandAll(step))
	}

	for _, k := range sortedKeys(b.Env) {
		plan.Env = append(plan.Env, k+"="+vars.Expand(b.Env[k]))
	}
	return plan, nil
}

// optionArgs renders options as name=value, or name alone for an empty
// value, sorted by name.
func optionArgs(options map[string]string) []string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		if options[k] == "" {
			args = append(args, k)
			continue
		}
		args = append(args, k+"="+options[k])
	}
	return args
}
