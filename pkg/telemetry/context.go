package telemetry

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry combines logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// New creates a telemetry instance from configuration.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newWithLogger(cfg, logger)
}

// NewWithWriter creates a telemetry instance logging to w.
func NewWithWriter(cfg *Config, w io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newWithLogger(cfg, NewLoggerTo(w, cfg.Logging))
}

func newWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: NewMetrics(cfg.Metrics),
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that logs nothing and collects nothing.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(TracingConfig{}, cfg.ServiceName, cfg.ServiceVersion)
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  tracer,
		Metrics: NewMetrics(cfg.Metrics),
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}
}

// Shutdown stops event delivery and flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// RunScope instruments one install run.
type RunScope struct {
	Ctx    context.Context
	Logger *Logger

	tel     *Telemetry
	span    trace.Span
	timer   *Timer
	runID   string
	pkg     string
	version string
}

// StartRun opens the span, counters and event stream of one install run.
func (t *Telemetry) StartRun(ctx context.Context, runID, pkg, version string) *RunScope {
	spanCtx, span := t.Tracer.StartInstallSpan(ctx, runID, pkg, version)
	logger := t.Logger.WithRunID(runID).WithPackage(pkg, version)
	if id := TraceID(spanCtx); id != "" {
		logger = logger.WithField("trace_id", id)
	}

	t.Metrics.RecordInstallStarted(pkg)
	_ = t.Events.Publish(Event{
		Type:    EventTypeInstallStarted,
		RunID:   runID,
		Package: pkg,
		Version: version,
		Message: "installing " + pkg + "@" + version,
	})

	return &RunScope{
		Ctx:     logger.WithContext(spanCtx),
		Logger:  logger,
		tel:     t,
		span:    span,
		timer:   NewTimer(),
		runID:   runID,
		pkg:     pkg,
		version: version,
	}
}

// End closes the run with its final state.
func (r *RunScope) End(state string, err error) {
	r.span.SetAttributes(AttrState.String(state))
	if err != nil {
		RecordError(r.span, err)
	} else {
		RecordSuccess(r.span)
	}
	r.span.End()

	r.tel.Metrics.RecordInstallCompleted(r.pkg, state, r.timer.Duration())

	event := Event{
		Type:    EventTypeInstallCompleted,
		RunID:   r.runID,
		Package: r.pkg,
		Version: r.version,
		Message: r.pkg + "@" + r.version + " " + state,
		Data:    map[string]interface{}{"state": state, "duration": r.timer.Duration().Seconds()},
	}
	if err != nil {
		event.Type = EventTypeInstallFailed
		event.Level = EventLevelError
		event.Message = err.Error()
	}
	_ = r.tel.Events.Publish(event)
}

// PhaseScope instruments one phase of a run.
type PhaseScope struct {
	Ctx    context.Context
	Logger *Logger

	run   *RunScope
	span  trace.Span
	timer *Timer
	phase string
}

// StartPhase opens a phase span beneath the run span.
func (r *RunScope) StartPhase(phase string) *PhaseScope {
	ctx, span := r.tel.Tracer.StartPhaseSpan(r.Ctx, phase)
	logger := r.Logger.WithPhase(phase)
	_ = r.tel.Events.PublishPhase(r.runID, r.pkg, r.version, phase, true, nil)
	return &PhaseScope{
		Ctx:    logger.WithContext(ctx),
		Logger: logger,
		run:    r,
		span:   span,
		timer:  NewTimer(),
		phase:  phase,
	}
}

// End closes the phase. class is the error classification of err.
func (p *PhaseScope) End(err error, class string) {
	if err != nil {
		p.span.SetAttributes(AttrErrorClass.String(class))
		RecordError(p.span, err)
		p.run.tel.Metrics.RecordPhase(p.phase, p.timer.Duration(), class)
	} else {
		RecordSuccess(p.span)
		p.run.tel.Metrics.RecordPhase(p.phase, p.timer.Duration(), "")
	}
	p.span.End()
	_ = p.run.tel.Events.PublishPhase(p.run.runID, p.run.pkg, p.run.version, p.phase, false, err)
}
