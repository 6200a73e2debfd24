package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/keg/pkg/formula"
)

// placeholderSHA is a syntactically valid digest the author must replace.
const placeholderSHA = "0000000000000000000000000000000000000000000000000000000000000000"

const cueScaffold = `// %[1]s formula. Replace source.sha256 with the digest of the archive.
name:    %[1]q
version: %[2]q
desc:    ""
source: {
	url:    %[3]q
	sha256: %[4]q
}
build: {
	system: %[5]q
}
test: {
	expect_files: ["bin"]
}
`

const yamlScaffold = `# %[1]s formula. Replace source.sha256 with the digest of the archive.
name: %[1]s
version: %[2]q
desc: ""
source:
  url: %[3]s
  sha256: %[4]s
build:
  system: %[5]s
test:
  expect_files:
    - bin
`

func newInitCommand() *cobra.Command {
	var (
		version string
		url     string
		sha256  string
		system  string
		format  string
		output  string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Scaffold a new formula",
		Long: `Write a minimal formula for a package.

The generated formula loads and validates as-is. Fill in the real source
digest, dependencies, patch rules, bootstrap and service sections before
installing it.`,
		Example: `  # Scaffold a CUE formula in the current directory
  keg init redis --version 7.2.4 --url https://download.redis.io/releases/redis-7.2.4.tar.gz

  # Scaffold a YAML formula for a cmake project
  keg init mariadb --format yaml --system cmake --version 11.4.2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !formula.ValidName(name) {
				return fmt.Errorf("invalid package name %q", name)
			}
			if url == "" {
				url = fmt.Sprintf("https://example.com/%s-%s.tar.gz", name, version)
			}

			var tmpl string
			switch format {
			case "cue":
				tmpl = cueScaffold
			case "yaml", "yml":
				tmpl = yamlScaffold
				format = "yaml"
			default:
				return fmt.Errorf("unsupported format %q (want cue or yaml)", format)
			}

			path := output
			if path == "" {
				path = name + "." + format
			}
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				path = filepath.Join(path, name+"."+format)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			content := fmt.Sprintf(tmpl, name, version, url, strings.ToLower(sha256), system)
			if _, err := loadFormulaBytes(path, []byte(content)); err != nil {
				return fmt.Errorf("scaffold does not validate: %w", err)
			}

			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return fmt.Errorf("failed to write formula: %w", err)
			}

			log.Debug().Str("path", path).Str("format", format).Msg("Formula scaffolded")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Created formula: %s\n\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Next steps:\n")
			fmt.Fprintf(cmd.OutOrStdout(), "  1. Set source.sha256 to the archive digest\n")
			fmt.Fprintf(cmd.OutOrStdout(), "  2. Check it:   keg validate %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "  3. Install it: keg install %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&version, "version", "1.0.0", "package version")
	cmd.Flags().StringVar(&url, "url", "", "source archive URL")
	cmd.Flags().StringVar(&sha256, "sha256", placeholderSHA, "source archive SHA-256")
	cmd.Flags().StringVar(&system, "system", string(formula.BuildSystemMake), "build system: cmake, autotools, make or none")
	cmd.Flags().StringVar(&format, "format", "cue", "formula format: cue or yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file or directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	return cmd
}
