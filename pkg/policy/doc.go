// Package policy provides Open Policy Agent (OPA) admission control for keg.
//
// Before a package is fetched, the install engine asks the policy engine to
// admit it. Every enabled policy is a Rego v1 module that defines a `deny`
// set; each element is either a message string or an object with a
// "message" and an optional "severity" that overrides the policy default.
// Error-severity violations deny the install, warnings are logged.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/keg/policies"}); err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Admit(ctx, spec, installed); err != nil {
//	    var denied *policy.DeniedError
//	    if errors.As(err, &denied) {
//	        fmt.Println(policy.Summary(denied.Violations))
//	    }
//	}
//
// # Input Document
//
// Policies see the candidate formula as input.package (same field names as
// the formula file), the installed registry snapshot as input.installed
// (each record carries package, version and declares), and the operation
// as input.context.
//
// # Built-in Policies
//
//   - source-integrity: https or file:// sources pinned by a lowercase sha256
//   - package-naming: lowercase names of at most 64 characters
//   - self-test: warns when no self-test command is declared
//   - service-program: warns when a service program lives outside the layout
//   - symmetric-conflicts: disabled by default; lets an installed package's
//     declared conflicts veto the candidate
//
// # Custom Policies
//
// A .rego file becomes a policy named after the file. Leading comments form
// its description and a "# severity: warning" header sets the default
// severity (error otherwise):
//
//	# Sources must come from the internal mirror.
//	# severity: warning
//	package keg.custom.mirrors
//
//	import rego.v1
//
//	deny contains msg if {
//	    not startswith(input.package.source.url, "https://mirror.internal/")
//	    msg := "source is not mirrored"
//	}
//
// Loader.Watch reloads a policy directory on change:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(p []policy.Policy) error {
//	    return eng.SetPolicies(ctx, p)
//	})
package policy
