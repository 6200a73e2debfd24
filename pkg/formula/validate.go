package formula

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.starlark.net/syntax"

	"github.com/openfroyo/keg/pkg/layout"
)

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9@._+-]*$`)
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)
	modePattern    = regexp.MustCompile(`^0?[0-7]{3,4}$`)
	makeVarPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// reservedNames collide with the shared top-level directories of a layout.
var reservedNames = map[string]bool{"etc": true, "var": true, "opt": true}

var (
	validateOnce sync.Once
	structValid  *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("pkgname", func(fl validator.FieldLevel) bool {
			return namePattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("pkgversion", func(fl validator.FieldLevel) bool {
			return versionPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("octalmode", func(fl validator.FieldLevel) bool {
			return modePattern.MatchString(fl.Field().String())
		})
		structValid = v
	})
	return structValid
}

// ValidName reports whether name is an acceptable package identifier.
func ValidName(name string) bool {
	return namePattern.MatchString(name) && !reservedNames[name]
}

// Validate performs every static check on spec that does not touch the
// filesystem: field constraints, identifiers, conflict and dependency
// sanity, placeholder references, patch patterns and the args script syntax.
// It returns ValidationErrors or nil.
func Validate(spec *PackageSpec) error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	if err := structValidator().Struct(spec); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); !ok {
			return err
		}
		for _, fe := range verrs {
			add(fieldPath(fe.Namespace()), "failed %q constraint", fe.Tag())
		}
	}

	if reservedNames[spec.Name] {
		add("name", "%q is reserved", spec.Name)
	}

	conflicts := map[string]bool{}
	for i, c := range spec.Conflicts {
		if c.Package == spec.Name {
			add(fmt.Sprintf("conflicts[%d]", i), "package cannot conflict with itself")
		}
		conflicts[c.Package] = true
	}
	for i, d := range spec.Dependencies {
		if d.Name == spec.Name {
			add(fmt.Sprintf("dependencies[%d]", i), "package cannot depend on itself")
		}
		if conflicts[d.Name] {
			add(fmt.Sprintf("dependencies[%d]", i), "%s is both a dependency and a conflict", d.Name)
		}
	}

	for i, step := range spec.InstallSteps {
		path := fmt.Sprintf("install_steps[%d]", i)
		if msg := unconfinedPath(step.Path); msg != "" {
			add(path+".path", "%s", msg)
		}
		if step.Op == InstallOpMove {
			if msg := unconfinedPath(step.Target); msg != "" {
				add(path+".target", "%s", msg)
			}
		}
	}

	for i, r := range spec.PatchRules {
		path := fmt.Sprintf("patch_rules[%d]", i)
		if msg := unconfinedPath(r.Path); msg != "" {
			add(path+".path", "%s", msg)
		}
		switch r.Mode {
		case PatchModeRegex:
			if _, err := regexp.Compile(r.Find); err != nil {
				add(path+".find", "invalid regular expression: %v", err)
			}
		case PatchModeMakeVar:
			if !makeVarPattern.MatchString(r.Find) {
				add(path+".find", "%q is not a make variable name", r.Find)
			}
		}
	}

	if spec.Build.ArgsScript != "" {
		if _, err := syntax.Parse("args_script", spec.Build.ArgsScript, 0); err != nil {
			add("build.args_script", "syntax error: %v", err)
		}
	}

	keys := layout.TemplateKeys()
	for _, ts := range templatedStrings(spec) {
		for _, ph := range layout.Placeholders(ts.value) {
			if !keys[ph] {
				add(ts.path, "unknown placeholder ${%s}", ph)
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// unconfinedPath describes why p could resolve outside the installation
// root, or returns "". Absolute paths have to be built from a placeholder.
func unconfinedPath(p string) string {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "must not contain \"..\" segments"
		}
	}
	if strings.HasPrefix(p, "/") {
		return "absolute paths must start with a placeholder"
	}
	return ""
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

type templated struct {
	path  string
	value string
}

// templatedStrings returns every field that goes through placeholder
// expansion, with a path for error reporting.
func templatedStrings(spec *PackageSpec) []templated {
	var out []templated
	add := func(path, v string) {
		if v != "" {
			out = append(out, templated{path, v})
		}
	}
	addAll := func(path string, vs []string) {
		for i, v := range vs {
			add(fmt.Sprintf("%s[%d]", path, i), v)
		}
	}

	b := spec.Build
	addAll("build.configure", b.Configure)
	for i, step := range b.Steps {
		addAll(fmt.Sprintf("build.steps[%d]", i), step)
	}
	for i, step := range b.Install {
		addAll(fmt.Sprintf("build.install[%d]", i), step)
	}
	for _, k := range sortedKeys(b.Options) {
		add("build.options."+k, b.Options[k])
	}
	for _, k := range sortedKeys(b.Env) {
		add("build.env."+k, b.Env[k])
	}

	for i, s := range spec.InstallSteps {
		p := fmt.Sprintf("install_steps[%d]", i)
		add(p+".path", s.Path)
		add(p+".target", s.Target)
		add(p+".content", s.Content)
	}

	for i, r := range spec.PatchRules {
		p := fmt.Sprintf("patch_rules[%d]", i)
		add(p+".path", r.Path)
		add(p+".replace", r.Replace)
	}

	if bs := spec.Bootstrap; bs != nil {
		addAll("bootstrap.command", bs.Command)
		add("bootstrap.tmpdir", bs.TmpDir)
	}

	if svc := spec.Service; svc != nil {
		add("service.label", svc.Label)
		add("service.program", svc.Program)
		addAll("service.args", svc.Args)
		add("service.working_dir", svc.WorkingDir)
	}

	if t := spec.Test; t != nil {
		addAll("test.command", t.Command)
		addAll("test.expect_files", t.ExpectFiles)
	}

	add("caveats", spec.Caveats)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
