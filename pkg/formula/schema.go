package formula

// formulaSchema is the CUE definition every .cue formula is unified with.
// Definitions are closed, so unknown fields are rejected at load time.
const formulaSchema = `
#Name:    =~"^[a-z0-9][a-z0-9@._+-]*$"
#Version: =~"^[A-Za-z0-9][A-Za-z0-9._+-]*$"

#Formula: {
	name:      string & #Name
	version:   string & #Version
	desc?:     string
	homepage?: string & =~"^https?://"

	source: {
		url:    string & =~"^(https?|file)://"
		sha256: string & =~"^[a-f0-9]{64}$"
	}

	dependencies?: [...#Dependency]
	conflicts?: [...#Conflict]
	build?:         #Build
	install_steps?: [...#InstallStep]
	patch_rules?: [...#PatchRule]
	bootstrap?: #Bootstrap
	service?:   #Service
	test?:      #Test
	caveats?:   string
}

#Dependency: {
	name:        string & #Name
	build_only?: bool
}

#Conflict: {
	with: [string & #Name, ...(string & #Name)]
	because: string & !=""
}

#Build: {
	system?: "cmake" | "autotools" | "make" | "none"
	configure?: [...string]
	options?: {[string]: string}
	steps?: [...[string, ...string]]
	install?: [...[string, ...string]]
	args_script?: string
	env?: {[string]: string}
}

#InstallStep: {
	op:       "mkdir" | "touch" | "remove" | "symlink" | "move" | "write"
	path:     string & !=""
	target?:  string
	content?: string
	mode?:    =~"^0?[0-7]{3,4}$"
}

#PatchRule: {
	path:    string & !=""
	find:    string & !=""
	replace: string
	mode?:   "literal" | "regex" | "make_var"
	all?:    bool
}

#Bootstrap: {
	command?: [...string]
	marker?: string & =~"^[^/]+$"
	tmpdir?: string
}

#Service: {
	label?:       string
	program:      string & !=""
	args?:        [...string]
	working_dir?: string
	restart?:     "always" | "on-failure" | "never"
	run_at_load?: bool
}

#Test: {
	command?: [...string]
	expect_files?: [...string]
}
`
