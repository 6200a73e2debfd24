// Package settings loads keg's runtime configuration from a config file,
// KEG_* environment variables and bound command-line flags.
package settings

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/keg/pkg/telemetry"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "KEG"

// Settings is the resolved configuration of one keg invocation.
type Settings struct {
	// Root is the installation root.
	Root string `mapstructure:"root" validate:"required,abspath"`

	// Database is the SQLite registry path. Defaults to <root>/.keg/keg.db.
	Database string `mapstructure:"database" validate:"required"`

	// CacheDir holds verified source archives. Defaults to <root>/.keg/cache.
	CacheDir string `mapstructure:"cache_dir" validate:"required,abspath"`

	// WorkDir holds per-run source trees. Defaults to <root>/.keg/build.
	WorkDir string `mapstructure:"work_dir" validate:"required,abspath"`

	// KeepWorkDir leaves unpacked sources behind after each run.
	KeepWorkDir bool `mapstructure:"keep_work_dir"`

	// User is the operating identity passed to initializers.
	User string `mapstructure:"user" validate:"required"`

	// TmpDir overrides the initializer's temporary directory.
	TmpDir string `mapstructure:"tmpdir" validate:"omitempty,abspath"`

	// PolicyPaths are Rego files or directories loaded on top of the
	// builtin admission policies.
	PolicyPaths []string `mapstructure:"policy_paths"`

	// SymmetricConflicts lets an installed package's declared conflicts veto
	// a candidate too.
	SymmetricConflicts bool `mapstructure:"symmetric_conflicts"`

	Fetch FetchSettings `mapstructure:"fetch"`

	// ArgsScriptTimeout bounds build.args_script evaluation.
	ArgsScriptTimeout time.Duration `mapstructure:"args_script_timeout" validate:"gte=0"`

	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// FetchSettings tunes source downloads.
type FetchSettings struct {
	Timeout  time.Duration `mapstructure:"timeout" validate:"gte=0"`
	MaxSize  int64         `mapstructure:"max_size" validate:"gte=0"`
	Progress bool          `mapstructure:"progress"`
}

// DefaultRoot is the installation root when none is configured.
func DefaultRoot() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".keg")
	}
	return "/usr/local/keg"
}

// New returns a viper instance with keg's defaults and environment binding.
// Every key has a default so KEG_* variables override nested keys too,
// e.g. KEG_TELEMETRY_LOGGING_LEVEL.
func New() *viper.Viper {
	v := viper.New()

	tel := telemetry.DefaultConfig()
	v.SetDefault("root", DefaultRoot())
	v.SetDefault("database", "")
	v.SetDefault("cache_dir", "")
	v.SetDefault("work_dir", "")
	v.SetDefault("keep_work_dir", false)
	v.SetDefault("user", currentUser())
	v.SetDefault("tmpdir", "")
	v.SetDefault("policy_paths", []string{})
	v.SetDefault("symmetric_conflicts", false)
	v.SetDefault("fetch.timeout", 30*time.Minute)
	v.SetDefault("fetch.max_size", int64(0))
	v.SetDefault("fetch.progress", true)
	v.SetDefault("args_script_timeout", 5*time.Second)
	v.SetDefault("telemetry.service_name", tel.ServiceName)
	v.SetDefault("telemetry.service_version", tel.ServiceVersion)
	v.SetDefault("telemetry.logging.level", tel.Logging.Level)
	v.SetDefault("telemetry.logging.format", tel.Logging.Format)
	v.SetDefault("telemetry.logging.output", tel.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", tel.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.time_format", tel.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", tel.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", tel.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", tel.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", tel.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.export_timeout", tel.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", tel.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", tel.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", tel.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", tel.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", tel.Metrics.Namespace)
	v.SetDefault("telemetry.events.enabled", tel.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", tel.Events.BufferSize)
	v.SetDefault("telemetry.events.async", tel.Events.Async)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("telemetry.logging.level", "KEG_LOG_LEVEL", "LOG_LEVEL")

	return v
}

// ReadConfig reads path into v. An empty path searches for keg.yaml (or
// .toml, .json) in the working directory, then ~/.config/keg. A missing
// file is not an error unless path was given explicitly.
func ReadConfig(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("keg")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "keg"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Load decodes v into Settings, fills the paths derived from the root and
// validates the result.
func Load(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}

	if s.Root != "" {
		if abs, err := filepath.Abs(s.Root); err == nil {
			s.Root = abs
		}
		state := filepath.Join(s.Root, ".keg")
		if s.Database == "" {
			s.Database = filepath.Join(state, "keg.db")
		}
		if s.CacheDir == "" {
			s.CacheDir = filepath.Join(state, "cache")
		}
		if s.WorkDir == "" {
			s.WorkDir = filepath.Join(state, "build")
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings and the embedded telemetry configuration.
func (s *Settings) Validate() error {
	if err := validate().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q constraint", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry settings: %w", err)
	}
	return nil
}

func validate() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("abspath", func(fl validator.FieldLevel) bool {
		return filepath.IsAbs(fl.Field().String())
	})
	return v
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "nobody"
}
