// Package formula loads, validates and plans package formulas for keg.
//
// # Overview
//
// A formula is the declarative description of one installable package: its
// source archive, dependency and conflict constraints, build configuration,
// patch rules, bootstrap initializer, service template and self-test. The
// formula package turns a file on disk into an immutable PackageSpec and
// performs every check that can be done without touching the install tree.
//
// # Formats
//
// Formulas are written in CUE or YAML. CUE files are unified with the
// built-in #Formula definition, so type errors carry file positions. YAML
// files accept a few shorthands: a dependency may be a bare name and a
// conflict's "with" may be a single name.
//
// Conflicts are authored grouped, one reason for several packages:
//
//	conflicts: [{
//		with:    ["mysql", "percona-server"]
//		because: "both install a server on the same port"
//	}]
//
// and expanded into (package, reason) pairs on load.
//
// # Placeholders
//
// String fields that reach the filesystem or a toolchain may reference
// ${layout.*}, ${package.*} and ${identity.*} placeholders. Validate rejects
// any placeholder that expansion could not satisfy, so rendering later never
// fails.
//
// # Build plans
//
// PackageSpec.Plan expands the build section into concrete argument vectors.
// An optional Starlark args_script can compute extra configure arguments:
//
//	def extra():
//	    out = ["-DMYSQL_DATADIR=" + layout.var + "/mysql"]
//	    if options.get("-DPLUGIN_TOKUDB") == "NO":
//	        out.append("-DWITHOUT_TOKUDB=1")
//	    return out
//
//	args = extra()
package formula
