package policy

// Builtin policy names.
const (
	PolicySourceIntegrity    = "source-integrity"
	PolicyPackageNaming      = "package-naming"
	PolicySelfTest           = "self-test"
	PolicyServiceProgram     = "service-program"
	PolicySymmetricConflicts = "symmetric-conflicts"
)

// GetBuiltinPolicies returns the policies every Engine starts with.
// symmetric-conflicts is shipped disabled.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		sourceIntegrityPolicy(),
		packageNamingPolicy(),
		selfTestPolicy(),
		serviceProgramPolicy(),
		symmetricConflictsPolicy(),
	}
}

func sourceIntegrityPolicy() Policy {
	return Policy{
		Name:        PolicySourceIntegrity,
		Description: "Sources must be fetched over https (or from a local file) and pinned by a sha256 digest",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"supply-chain"},
		Rego: `package keg.policies.source

import rego.v1

deny contains violation if {
	url := input.package.source.url
	not startswith(url, "https://")
	not startswith(url, "file://")
	violation := {"message": sprintf("source url %s must use https", [url])}
}

deny contains violation if {
	digest := object.get(input.package.source, "sha256", "")
	not regex.match("^[0-9a-f]{64}$", digest)
	violation := {"message": sprintf("source sha256 '%s' is not a lowercase hex sha256 digest", [digest])}
}
`,
	}
}

func packageNamingPolicy() Policy {
	return Policy{
		Name:        PolicyPackageNaming,
		Description: "Package names are lowercase, at most 64 characters and do not end in a separator",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming"},
		Rego: `package keg.policies.naming

import rego.v1

deny contains violation if {
	name := input.package.name
	count(name) > 64
	violation := {"message": sprintf("package name %s is longer than 64 characters", [name])}
}

deny contains violation if {
	name := input.package.name
	lower(name) != name
	violation := {"message": sprintf("package name %s must be lowercase", [name])}
}

deny contains violation if {
	name := input.package.name
	regex.match("[-._+@]$", name)
	violation := {"message": sprintf("package name %s must not end with a separator", [name])}
}
`,
	}
}

func selfTestPolicy() Policy {
	return Policy{
		Name:        PolicySelfTest,
		Description: "Packages should ship a self-test command",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"quality"},
		Rego: `package keg.policies.selftest

import rego.v1

deny contains violation if {
	not input.package.test.command
	violation := {"message": sprintf("%s has no self-test command", [input.package.name])}
}
`,
	}
}

func serviceProgramPolicy() Policy {
	return Policy{
		Name:        PolicyServiceProgram,
		Description: "Service programs should live under the package layout",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"service"},
		Rego: `package keg.policies.service

import rego.v1

deny contains violation if {
	program := input.package.service.program
	not startswith(program, "${layout.")
	violation := {"message": sprintf("service program %s is outside the package layout", [program])}
}
`,
	}
}

func symmetricConflictsPolicy() Policy {
	return Policy{
		Name:        PolicySymmetricConflicts,
		Description: "An installed package that declares a conflict with the candidate vetoes it",
		Severity:    SeverityError,
		Enabled:     false,
		Builtin:     true,
		Tags:        []string{"conflicts"},
		Rego: `package keg.policies.conflicts

import rego.v1

deny contains violation if {
	some record in input.installed
	record.package != input.package.name
	some c in record.declares
	c.package == input.package.name
	violation := {"message": sprintf("installed package %s declares a conflict with %s: %s", [record.package, c.package, c.reason])}
}
`,
	}
}
