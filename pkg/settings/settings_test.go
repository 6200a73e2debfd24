package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv("KEG_ROOT", root)

	s, err := Load(New())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if s.Root != root {
		t.Errorf("Root = %q, want %q", s.Root, root)
	}
	state := filepath.Join(root, ".keg")
	if s.Database != filepath.Join(state, "keg.db") {
		t.Errorf("Database = %q", s.Database)
	}
	if s.CacheDir != filepath.Join(state, "cache") {
		t.Errorf("CacheDir = %q", s.CacheDir)
	}
	if s.WorkDir != filepath.Join(state, "build") {
		t.Errorf("WorkDir = %q", s.WorkDir)
	}
	if s.User == "" {
		t.Error("User should default to the current user")
	}
	if s.Fetch.Timeout != 30*time.Minute {
		t.Errorf("Fetch.Timeout = %v", s.Fetch.Timeout)
	}
	if !s.Fetch.Progress {
		t.Error("Fetch.Progress should default to true")
	}
	if s.ArgsScriptTimeout != 5*time.Second {
		t.Errorf("ArgsScriptTimeout = %v", s.ArgsScriptTimeout)
	}
	if s.Telemetry.ServiceName != "keg" || s.Telemetry.Logging.Level != "info" {
		t.Errorf("Telemetry = %+v", s.Telemetry)
	}
	if s.SymmetricConflicts {
		t.Error("SymmetricConflicts should default to false")
	}
}

func TestLoadEnvironment(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, s *Settings)
	}{
		{
			name: "log level shorthand",
			env:  map[string]string{"KEG_LOG_LEVEL": "debug"},
			check: func(t *testing.T, s *Settings) {
				if s.Telemetry.Logging.Level != "debug" {
					t.Errorf("level = %q", s.Telemetry.Logging.Level)
				}
			},
		},
		{
			name: "unprefixed log level",
			env:  map[string]string{"LOG_LEVEL": "warn"},
			check: func(t *testing.T, s *Settings) {
				if s.Telemetry.Logging.Level != "warn" {
					t.Errorf("level = %q", s.Telemetry.Logging.Level)
				}
			},
		},
		{
			name: "nested key",
			env:  map[string]string{"KEG_TELEMETRY_LOGGING_FORMAT": "json"},
			check: func(t *testing.T, s *Settings) {
				if s.Telemetry.Logging.Format != "json" {
					t.Errorf("format = %q", s.Telemetry.Logging.Format)
				}
			},
		},
		{
			name: "durations and flags",
			env: map[string]string{
				"KEG_FETCH_TIMEOUT":       "90s",
				"KEG_SYMMETRIC_CONFLICTS": "true",
				"KEG_KEEP_WORK_DIR":       "true",
				"KEG_DATABASE":            ":memory:",
				"KEG_ARGS_SCRIPT_TIMEOUT": "1s",
			},
			check: func(t *testing.T, s *Settings) {
				if s.Fetch.Timeout != 90*time.Second {
					t.Errorf("Fetch.Timeout = %v", s.Fetch.Timeout)
				}
				if !s.SymmetricConflicts || !s.KeepWorkDir {
					t.Error("boolean overrides not applied")
				}
				if s.Database != ":memory:" {
					t.Errorf("Database = %q", s.Database)
				}
				if s.ArgsScriptTimeout != time.Second {
					t.Errorf("ArgsScriptTimeout = %v", s.ArgsScriptTimeout)
				}
			},
		},
		{
			name: "policy paths list",
			env:  map[string]string{"KEG_POLICY_PATHS": "/etc/keg/policies,/opt/policies"},
			check: func(t *testing.T, s *Settings) {
				want := []string{"/etc/keg/policies", "/opt/policies"}
				if strings.Join(s.PolicyPaths, ",") != strings.Join(want, ",") {
					t.Errorf("PolicyPaths = %v, want %v", s.PolicyPaths, want)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("KEG_ROOT", root)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			s, err := Load(New())
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.check(t, s)
		})
	}
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "keg")
	path := filepath.Join(dir, "keg.yaml")

	content := `root: ` + root + `
user: builder
policy_paths:
  - ` + filepath.Join(dir, "policies") + `
fetch:
  timeout: 10m
  progress: false
telemetry:
  logging:
    level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	v := New()
	if err := ReadConfig(v, path); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	s, err := Load(v)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if s.Root != root {
		t.Errorf("Root = %q, want %q", s.Root, root)
	}
	if s.User != "builder" {
		t.Errorf("User = %q", s.User)
	}
	if len(s.PolicyPaths) != 1 {
		t.Errorf("PolicyPaths = %v", s.PolicyPaths)
	}
	if s.Fetch.Timeout != 10*time.Minute || s.Fetch.Progress {
		t.Errorf("Fetch = %+v", s.Fetch)
	}
	if s.Telemetry.Logging.Level != "debug" {
		t.Errorf("level = %q", s.Telemetry.Logging.Level)
	}
	if s.CacheDir != filepath.Join(root, ".keg", "cache") {
		t.Errorf("CacheDir = %q", s.CacheDir)
	}
}

func TestReadConfig_EnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keg.yaml")
	if err := os.WriteFile(path, []byte("user: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KEG_ROOT", dir)
	t.Setenv("KEG_USER", "from-env")

	v := New()
	if err := ReadConfig(v, path); err != nil {
		t.Fatal(err)
	}
	s, err := Load(v)
	if err != nil {
		t.Fatal(err)
	}
	if s.User != "from-env" {
		t.Errorf("User = %q, want from-env", s.User)
	}
}

func TestReadConfig_Missing(t *testing.T) {
	if err := ReadConfig(New(), filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("an explicit missing config should fail")
	}

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	if err := ReadConfig(New(), ""); err != nil {
		t.Errorf("searching with no config present: %v", err)
	}
}

func TestLoadInvalid(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "relative tmpdir",
			env:     map[string]string{"KEG_TMPDIR": "tmp"},
			wantErr: "TmpDir",
		},
		{
			name:    "relative cache dir",
			env:     map[string]string{"KEG_CACHE_DIR": "cache"},
			wantErr: "CacheDir",
		},
		{
			name:    "negative max size",
			env:     map[string]string{"KEG_FETCH_MAX_SIZE": "-1"},
			wantErr: "MaxSize",
		},
		{
			name:    "unknown log level",
			env:     map[string]string{"KEG_LOG_LEVEL": "loud"},
			wantErr: "invalid log level",
		},
		{
			name:    "otlp without endpoint",
			env:     map[string]string{"KEG_TELEMETRY_TRACING_ENABLED": "true", "KEG_TELEMETRY_TRACING_EXPORTER": "otlp"},
			wantErr: "endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("KEG_ROOT", root)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(New())
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
