package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "async without buffer", mutate: func(c *Config) {
			c.Events.Async = true
			c.Events.BufferSize = 0
		}, wantErr: true},
		{name: "empty service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})
	logger.NewComponentLogger("engine").
		WithRunID("run-1").
		WithPackage("demo", "1.0").
		WithPhase("built").
		Info().Msg("building")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	want := map[string]string{
		"component": "engine",
		"run_id":    "run-1",
		"package":   "demo",
		"version":   "1.0",
		"phase":     "built",
		"message":   "building",
		"level":     "info",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %s", k, entry[k], v)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})
	logger.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
	logger.Warn().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn not logged: %q", buf.String())
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"}).WithRunID("ctx-run")
	ctx := logger.WithContext(context.Background())
	FromContext(ctx).Info().Msg("hello")
	if !strings.Contains(buf.String(), `"run_id":"ctx-run"`) {
		t.Errorf("context logger lost fields: %q", buf.String())
	}

	// No logger in context falls back to a no-op logger.
	FromContext(context.Background()).Info().Msg("dropped")
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestMetrics(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m := NewMetrics(cfg)

	m.RecordInstallStarted("demo")
	m.RecordPhase("built", 2*time.Second, "")
	m.RecordPhase("bootstrapped", time.Second, "bootstrap")
	m.RecordBootstrap("initialized")
	m.RecordFetch(true)
	m.RecordFetch(false)
	m.RecordPatches(3)
	m.RecordPolicyDenial("conflicts")
	m.RecordInstallCompleted("demo", "failed", 3*time.Second)

	body := scrape(t, m)
	for _, want := range []string{
		`keg_installs_started_total{package="demo"} 1`,
		`keg_installs_completed_total{package="demo",state="failed"} 1`,
		`keg_phase_failures_total{class="bootstrap",phase="bootstrapped"} 1`,
		`keg_phase_duration_seconds_count{phase="built"} 1`,
		`keg_bootstrap_runs_total{outcome="initialized"} 1`,
		`keg_fetch_cache_total{result="hit"} 1`,
		`keg_fetch_cache_total{result="miss"} 1`,
		`keg_patch_rules_applied_total 3`,
		`keg_policy_denials_total{policy="conflicts"} 1`,
		`keg_active_installs 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.RecordInstallStarted("demo")
	m.RecordPhase("built", time.Second, "build")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("disabled metrics handler returned %d", rec.Code)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordFetch(true)
}

func TestEventPublisherSync(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true})
	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypePhaseFailed))

	_ = ep.PublishPhase("r1", "demo", "1.0", "built", true, nil)
	_ = ep.PublishPhase("r1", "demo", "1.0", "built", false, errors.New("make failed"))

	if len(got) != 1 {
		t.Fatalf("expected 1 filtered event, got %d", len(got))
	}
	if got[0].Level != EventLevelError || got[0].Message != "make failed" || got[0].ID == "" {
		t.Errorf("unexpected event %+v", got[0])
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, Async: true, BufferSize: 16})
	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterByRunID("r1"))

	for i := 0; i < 5; i++ {
		if err := ep.Publish(Event{Type: EventTypePhaseStarted, RunID: "r1"}); err != nil {
			t.Fatal(err)
		}
	}
	_ = ep.Publish(Event{Type: EventTypePhaseStarted, RunID: "other"})

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("delivered %d events, want 5", count)
	}
	if err := ep.Publish(Event{Type: EventTypePhaseStarted}); !errors.Is(err, ErrPublisherStopped) {
		t.Errorf("publish after shutdown: %v", err)
	}
}

func TestFilterByLevel(t *testing.T) {
	f := FilterByLevel(EventLevelWarning)
	if f(Event{Level: EventLevelInfo}) {
		t.Error("info passed warning filter")
	}
	if !f(Event{Level: EventLevelError}) {
		t.Error("error blocked by warning filter")
	}
}

func TestRunScope(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	var logs bytes.Buffer
	tel, err := NewWithWriter(cfg, &logs)
	if err != nil {
		t.Fatal(err)
	}
	defer tel.Shutdown(context.Background())

	var types []string
	tel.Events.Subscribe(func(e Event) { types = append(types, e.Type) }, nil)

	run := tel.StartRun(context.Background(), "run-9", "demo", "1.0")
	phase := run.StartPhase("fetched")
	FromContext(phase.Ctx).Info().Msg("fetching")
	phase.End(nil, "")
	phase = run.StartPhase("built")
	phase.End(errors.New("boom"), "build")
	run.End("failed", errors.New("boom"))

	want := []string{
		EventTypeInstallStarted,
		EventTypePhaseStarted, EventTypePhaseCompleted,
		EventTypePhaseStarted, EventTypePhaseFailed,
		EventTypeInstallFailed,
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", types, want)
	}
	if !strings.Contains(logs.String(), `"phase":"fetched"`) {
		t.Errorf("phase logger missing phase field: %q", logs.String())
	}

	body := scrape(t, tel.Metrics)
	if !strings.Contains(body, `keg_phase_failures_total{class="build",phase="built"} 1`) {
		t.Errorf("phase failure not recorded:\n%s", body)
	}
}
