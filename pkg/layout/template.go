package layout

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// placeholderPattern matches ${namespace.key}.
var placeholderPattern = regexp.MustCompile(`\$\{([a-z][a-z0-9_]*\.[a-z][a-z0-9_]*)\}`)

// Vars maps placeholder names (without the ${} wrapper) to values.
type Vars map[string]string

// KnownNamespaces lists the placeholder namespaces a formula may use.
var KnownNamespaces = []string{"layout", "package", "identity"}

// With returns a copy of v extended with extra. Keys in extra win.
func (v Vars) With(extra Vars) Vars {
	out := make(Vars, len(v)+len(extra))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range extra {
		out[k] = val
	}
	return out
}

// Expand substitutes every known placeholder in s. Unknown placeholders are
// left as written; static validation is where they get reported.
func (v Vars) Expand(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := m[2 : len(m)-1]
		if val, ok := v[key]; ok {
			return val
		}
		return m
	})
}

// ExpandAll expands each element of in.
func (v Vars) ExpandAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = v.Expand(s)
	}
	return out
}

// ExpandStrict is Expand but fails on the first placeholder v cannot resolve.
func (v Vars) ExpandStrict(s string) (string, error) {
	if missing := v.Unresolved(s); len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholder ${%s}", missing[0])
	}
	return v.Expand(s), nil
}

// Unresolved returns the placeholders in s that v has no value for, sorted.
func (v Vars) Unresolved(s string) []string {
	var missing []string
	for _, key := range Placeholders(s) {
		if _, ok := v[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// Placeholders returns the distinct placeholder names referenced by s, sorted.
func Placeholders(s string) []string {
	seen := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		seen[m[1]] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TemplateKeys returns every placeholder name that expansion can satisfy for
// a formula: the layout and package keys plus the identity keys supplied at
// run time.
func TemplateKeys() map[string]bool {
	keys := map[string]bool{}
	for k := range Resolve("/", "x", "0").Vars() {
		keys[k] = true
	}
	for k := range IdentityVars("", "") {
		keys[k] = true
	}
	return keys
}

// IdentityVars returns the placeholders describing the operating identity.
func IdentityVars(user, tmpDir string) Vars {
	return Vars{
		"identity.user":   user,
		"identity.tmpdir": tmpDir,
	}
}

// HasPlaceholder reports whether s contains any ${...} reference.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, "${") && placeholderPattern.MatchString(s)
}
