package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/keg/pkg/formula"
	"github.com/openfroyo/keg/pkg/policy"
)

// validation is the per-formula outcome printed by validate.
type validation struct {
	Path     string             `json:"path"`
	Package  string             `json:"package,omitempty"`
	Valid    bool               `json:"valid"`
	Errors   []string           `json:"errors,omitempty"`
	Warnings []policy.Violation `json:"warnings,omitempty"`
	Denials  []policy.Violation `json:"denials,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var skipPolicy bool

	cmd := &cobra.Command{
		Use:   "validate <formula>...",
		Short: "Validate formulas",
		Long: `Validate formula files without fetching or building anything.

This command checks:
  - CUE schema conformance (for .cue formulas)
  - Field constraints, template placeholders and install steps
  - Admission policies (OPA/rego) against the installed packages`,
		Example: `  # Validate one formula
  keg validate mariadb.cue

  # Validate several, skipping admission policies
  keg validate --skip-policy formulas/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var engine *policy.Engine
			if !skipPolicy {
				var err error
				engine, err = newPolicyEngine(ctx, log.Logger)
				if err != nil {
					return err
				}
			}
			installed, err := installedRecords(ctx)
			if err != nil {
				return err
			}

			results := make([]validation, 0, len(args))
			failed := 0
			for _, path := range args {
				v := validation{Path: path, Valid: true}

				spec, err := loadFormula(path)
				if err != nil {
					v.Valid = false
					v.Errors = errorLines(err)
				}
				if spec != nil {
					v.Package = spec.ID()
				}

				if v.Valid && engine != nil {
					res, err := engine.Evaluate(ctx, &policy.Input{
						Package:   spec,
						Installed: installed,
						Context:   policy.Context{Operation: "validate", Root: cfg.Root, User: cfg.User},
					})
					if err != nil {
						return err
					}
					v.Warnings = res.Warnings
					v.Denials = res.Violations
					v.Valid = res.Allowed
				}

				if !v.Valid {
					failed++
				}
				results = append(results, v)
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				printValidations(cmd, results)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d formulas failed validation", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "skip admission policies")

	return cmd
}

func printValidations(cmd *cobra.Command, results []validation) {
	out := cmd.OutOrStdout()
	for _, v := range results {
		label := v.Path
		if v.Package != "" {
			label = fmt.Sprintf("%s (%s)", v.Path, v.Package)
		}
		if v.Valid {
			fmt.Fprintf(out, "✓ %s\n", label)
		} else {
			fmt.Fprintf(out, "✗ %s\n", label)
		}
		for _, e := range v.Errors {
			fmt.Fprintf(out, "    %s\n", e)
		}
		for _, d := range v.Denials {
			fmt.Fprintf(out, "    %s\n", d)
		}
		for _, w := range v.Warnings {
			fmt.Fprintf(out, "    %s\n", w)
		}
	}
}

// errorLines flattens validation errors to one message per field.
func errorLines(err error) []string {
	var verrs formula.ValidationErrors
	if errors.As(err, &verrs) {
		lines := make([]string, 0, len(verrs))
		for _, e := range verrs {
			lines = append(lines, e.Error())
		}
		return lines
	}
	return []string{err.Error()}
}
