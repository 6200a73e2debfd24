package formula

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// PackageSpec is the declarative description of one installable package.
// It is created once per install request and never mutated afterwards.
type PackageSpec struct {
	// Name is the package identifier (e.g., "mariadb").
	Name string `json:"name" yaml:"name" validate:"required,pkgname"`

	// Version is the package version. It becomes a path component of the prefix.
	Version string `json:"version" yaml:"version" validate:"required,pkgversion"`

	// Description is a one-line summary.
	Description string `json:"desc,omitempty" yaml:"desc,omitempty"`

	// Homepage is the upstream project URL.
	Homepage string `json:"homepage,omitempty" yaml:"homepage,omitempty" validate:"omitempty,url"`

	// Source locates the source archive and pins its content hash.
	Source Source `json:"source" yaml:"source" validate:"required"`

	// Dependencies must already be installed before the build starts.
	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"dive"`

	// Conflicts lists packages that must not be installed alongside this one.
	Conflicts []Conflict `json:"conflicts,omitempty" yaml:"conflicts,omitempty" validate:"dive"`

	// Build configures the external toolchain invocations.
	Build BuildSpec `json:"build,omitempty" yaml:"build,omitempty"`

	// InstallSteps are filesystem operations run after the toolchain install.
	InstallSteps []InstallStep `json:"install_steps,omitempty" yaml:"install_steps,omitempty" validate:"dive"`

	// PatchRules rewrite artifacts so they reference runtime paths. Order matters.
	PatchRules []PatchRule `json:"patch_rules,omitempty" yaml:"patch_rules,omitempty" validate:"dive"`

	// Bootstrap describes the one-time data store initialization.
	Bootstrap *BootstrapSpec `json:"bootstrap,omitempty" yaml:"bootstrap,omitempty"`

	// Service is the service descriptor template.
	Service *ServiceTemplate `json:"service,omitempty" yaml:"service,omitempty"`

	// Test is the post-install self-test.
	Test *TestSpec `json:"test,omitempty" yaml:"test,omitempty"`

	// Caveats is free text shown to the user after a successful install.
	Caveats string `json:"caveats,omitempty" yaml:"caveats,omitempty"`
}

// ID returns name@version.
func (s *PackageSpec) ID() string {
	return fmt.Sprintf("%s@%s", s.Name, s.Version)
}

// ConflictNames returns the declared conflicting package identifiers in
// declaration order.
func (s *PackageSpec) ConflictNames() []string {
	names := make([]string, 0, len(s.Conflicts))
	for _, c := range s.Conflicts {
		names = append(names, c.Package)
	}
	return names
}

// Source is the location and integrity pin of a source archive.
type Source struct {
	URL    string `json:"url" yaml:"url" validate:"required,url"`
	SHA256 string `json:"sha256" yaml:"sha256" validate:"required,len=64,hexadecimal,lowercase"`
}

// Dependency is an external package required before the build.
type Dependency struct {
	Name string `json:"name" yaml:"name" validate:"required,pkgname"`

	// BuildOnly marks dependencies needed only to build, not at runtime.
	BuildOnly bool `json:"build_only,omitempty" yaml:"build_only,omitempty"`
}

// UnmarshalYAML accepts either a bare name or a mapping.
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		d.Name = node.Value
		return nil
	}
	type plain Dependency
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = Dependency(p)
	return nil
}

// Conflict is a single (package, reason) mutual-exclusion pair.
type Conflict struct {
	Package string `json:"package" yaml:"package" validate:"required,pkgname"`
	Reason  string `json:"reason" yaml:"reason" validate:"required"`
}

// ConflictDecl is the authoring form of conflicts: one reason shared by
// several packages.
type ConflictDecl struct {
	With    []string `json:"with" yaml:"with"`
	Because string   `json:"because" yaml:"because"`
}

// UnmarshalYAML accepts a single name or a list in "with".
func (c *ConflictDecl) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		With    yaml.Node `yaml:"with"`
		Because string    `yaml:"because"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	c.Because = raw.Because
	switch raw.With.Kind {
	case yaml.ScalarNode:
		c.With = []string{raw.With.Value}
	case yaml.SequenceNode:
		return raw.With.Decode(&c.With)
	case 0:
		c.With = nil
	default:
		return fmt.Errorf("line %d: conflicts.with must be a name or a list of names", raw.With.Line)
	}
	return nil
}

// ExpandConflicts flattens declarations into pairs, keeping declaration order.
func ExpandConflicts(decls []ConflictDecl) []Conflict {
	var out []Conflict
	for _, d := range decls {
		for _, w := range d.With {
			out = append(out, Conflict{Package: w, Reason: d.Because})
		}
	}
	return out
}

// BuildSystem selects the fixed layout flags added to the configure step.
type BuildSystem string

const (
	BuildSystemCMake     BuildSystem = "cmake"
	BuildSystemAutotools BuildSystem = "autotools"
	BuildSystemMake      BuildSystem = "make"
	BuildSystemNone      BuildSystem = "none"
)

// BuildSpec configures the toolchain invocations of the build and install phases.
type BuildSpec struct {
	System BuildSystem `json:"system,omitempty" yaml:"system,omitempty" validate:"omitempty,oneof=cmake autotools make none"`

	// Configure is the configure argv. Defaults depend on System.
	Configure []string `json:"configure,omitempty" yaml:"configure,omitempty"`

	// Options are build-system flags passed verbatim as name=value.
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`

	// Steps run in order after configure.
	Steps [][]string `json:"steps,omitempty" yaml:"steps,omitempty" validate:"dive,min=1"`

	// Install runs in the install phase.
	Install [][]string `json:"install,omitempty" yaml:"install,omitempty" validate:"dive,min=1"`

	// ArgsScript is a Starlark program that appends configure arguments.
	ArgsScript string `json:"args_script,omitempty" yaml:"args_script,omitempty"`

	// Env is passed to every toolchain invocation.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// InstallOp is a declarative filesystem operation.
type InstallOp string

const (
	InstallOpMkdir   InstallOp = "mkdir"
	InstallOpTouch   InstallOp = "touch"
	InstallOpRemove  InstallOp = "remove"
	InstallOpSymlink InstallOp = "symlink"
	InstallOpMove    InstallOp = "move"
	InstallOpWrite   InstallOp = "write"
)

// InstallStep is one operation on the installed tree. Relative paths resolve
// against the prefix; no path other than a symlink target may leave the
// installation root.
type InstallStep struct {
	Op InstallOp `json:"op" yaml:"op" validate:"required,oneof=mkdir touch remove symlink move write"`

	// Path is the operated-on path (the link name for symlink, the source for move).
	Path string `json:"path" yaml:"path" validate:"required"`

	// Target is the link target for symlink and the destination for move.
	Target string `json:"target,omitempty" yaml:"target,omitempty" validate:"required_if=Op symlink,required_if=Op move"`

	// Content is written by the write op.
	Content string `json:"content,omitempty" yaml:"content,omitempty"`

	// Mode is an octal file mode for write, e.g. "0644".
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,octalmode"`
}

// PatchMode selects how Find is interpreted.
type PatchMode string

const (
	PatchModeLiteral PatchMode = "literal"
	PatchModeRegex   PatchMode = "regex"

	// PatchModeMakeVar rewrites a "name=value" assignment; Find is the name.
	PatchModeMakeVar PatchMode = "make_var"
)

// PatchRule rewrites one artifact.
type PatchRule struct {
	Path    string    `json:"path" yaml:"path" validate:"required"`
	Find    string    `json:"find" yaml:"find" validate:"required"`
	Replace string    `json:"replace" yaml:"replace"`
	Mode    PatchMode `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=literal regex make_var"`

	// All replaces every occurrence instead of only the first.
	All bool `json:"all,omitempty" yaml:"all,omitempty"`
}

// String identifies the rule in error messages.
func (r PatchRule) String() string {
	mode := r.Mode
	if mode == "" {
		mode = PatchModeLiteral
	}
	return fmt.Sprintf("%s %s %q", r.Path, mode, r.Find)
}

// BootstrapSpec describes the external data store initializer.
type BootstrapSpec struct {
	// Command is the initializer argv. Empty means only the marker is written.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// Marker is the sentinel file name under the data root.
	Marker string `json:"marker,omitempty" yaml:"marker,omitempty" validate:"omitempty,excludesall=/\\"`

	// TmpDir overrides the initializer's temporary directory.
	TmpDir string `json:"tmpdir,omitempty" yaml:"tmpdir,omitempty"`
}

// RestartPolicy tells the supervisor when to restart the service.
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// ServiceTemplate is the unresolved service descriptor.
type ServiceTemplate struct {
	Label      string        `json:"label,omitempty" yaml:"label,omitempty" validate:"omitempty,excludesall=/"`
	Program    string        `json:"program" yaml:"program" validate:"required"`
	Args       []string      `json:"args,omitempty" yaml:"args,omitempty"`
	WorkingDir string        `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Restart    RestartPolicy `json:"restart,omitempty" yaml:"restart,omitempty" validate:"omitempty,oneof=always on-failure never"`
	RunAtLoad  bool          `json:"run_at_load,omitempty" yaml:"run_at_load,omitempty"`
}

// TestSpec is the self-test run after the service descriptor is written.
type TestSpec struct {
	Command     []string `json:"command,omitempty" yaml:"command,omitempty"`
	ExpectFiles []string `json:"expect_files,omitempty" yaml:"expect_files,omitempty"`
}

// File is the on-disk authoring form of a formula.
type File struct {
	Name         string           `json:"name" yaml:"name"`
	Version      string           `json:"version" yaml:"version"`
	Description  string           `json:"desc,omitempty" yaml:"desc,omitempty"`
	Homepage     string           `json:"homepage,omitempty" yaml:"homepage,omitempty"`
	Source       Source           `json:"source" yaml:"source"`
	Dependencies []Dependency     `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Conflicts    []ConflictDecl   `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Build        BuildSpec        `json:"build,omitempty" yaml:"build,omitempty"`
	InstallSteps []InstallStep    `json:"install_steps,omitempty" yaml:"install_steps,omitempty"`
	PatchRules   []PatchRule      `json:"patch_rules,omitempty" yaml:"patch_rules,omitempty"`
	Bootstrap    *BootstrapSpec   `json:"bootstrap,omitempty" yaml:"bootstrap,omitempty"`
	Service      *ServiceTemplate `json:"service,omitempty" yaml:"service,omitempty"`
	Test         *TestSpec        `json:"test,omitempty" yaml:"test,omitempty"`
	Caveats      string           `json:"caveats,omitempty" yaml:"caveats,omitempty"`
}

// Spec converts the authoring form into a PackageSpec.
func (f *File) Spec() *PackageSpec {
	return &PackageSpec{
		Name:         f.Name,
		Version:      f.Version,
		Description:  f.Description,
		Homepage:     f.Homepage,
		Source:       f.Source,
		Dependencies: f.Dependencies,
		Conflicts:    ExpandConflicts(f.Conflicts),
		Build:        f.Build,
		InstallSteps: f.InstallSteps,
		PatchRules:   f.PatchRules,
		Bootstrap:    f.Bootstrap,
		Service:      f.Service,
		Test:         f.Test,
		Caveats:      f.Caveats,
	}
}

// ValidationError is a single problem found while loading or validating a formula.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.Path
	if e.File != "" {
		loc = e.File
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
		}
		if e.Path != "" {
			loc += " " + e.Path
		}
	}
	if loc == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", loc, e.Message)
}

// ValidationErrors collects every problem found in one formula.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (es ValidationErrors) Error() string {
	switch len(es) {
	case 0:
		return "no validation errors"
	case 1:
		return es[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", es[0].Error(), len(es)-1)
}
