package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}, nil
}

// Nop returns a Telemetry that records nothing.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	metrics, _ := NewMetrics(cfg.Metrics)
	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events and flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// RunScope instruments one command run from start to completion.
type RunScope struct {
	tel        *Telemetry
	span       trace.Span
	timer      *Timer
	Logger     *Logger
	RunID      string
	Deployment string
	Command    string
}

// StartRun opens the run span, emits run.started and returns a context carrying the run logger.
func (t *Telemetry) StartRun(ctx context.Context, runID, deployment, command string) (context.Context, *RunScope) {
	ctx, span := t.Tracer.StartRunSpan(ctx, runID, deployment, command)
	logger := t.Logger.WithRunID(runID).WithDeployment(deployment).WithField("command", command)
	ctx = logger.WithContext(ctx)

	t.Metrics.RecordRunStarted(deployment, command)
	if err := t.Events.PublishRunStarted(runID, deployment, command); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish event")
	}

	return ctx, &RunScope{
		tel:        t,
		span:       span,
		timer:      NewTimer(),
		Logger:     logger,
		RunID:      runID,
		Deployment: deployment,
		Command:    command,
	}
}

// End closes the run span and records the outcome.
func (r *RunScope) End(status string, err error) {
	duration := r.timer.Duration()
	r.span.SetAttributes(AttrRunStatus.String(status))
	if err != nil {
		RecordError(r.span, err)
	} else {
		RecordSuccess(r.span)
	}
	r.span.End()

	r.tel.Metrics.RecordRunCompleted(r.Command, status, duration)
	if pubErr := r.tel.Events.PublishRunCompleted(r.RunID, r.Deployment, r.Command, status, duration, err); pubErr != nil {
		r.Logger.Warn().Err(pubErr).Msg("Failed to publish event")
	}
}

// UnitScope instruments one unit command inside a run.
type UnitScope struct {
	run    *RunScope
	span   trace.Span
	timer  *Timer
	Logger *Logger
	Unit   string
}

// StartUnit opens a unit span under the run span carried by ctx.
func (r *RunScope) StartUnit(ctx context.Context, unit, host string) (context.Context, *UnitScope) {
	ctx, span := r.tel.Tracer.StartUnitSpan(ctx, unit, r.Command, host)
	logger := r.Logger.WithUnit(unit, r.Command)
	if host != "" {
		logger = logger.WithField("host", host)
	}
	ctx = logger.WithContext(ctx)

	if err := r.tel.Events.PublishUnit(EventTypeUnitStarted, r.RunID, unit, r.Command, nil); err != nil {
		logger.Warn().Err(err).Msg("Failed to publish event")
	}

	return ctx, &UnitScope{run: r, span: span, timer: NewTimer(), Logger: logger, Unit: unit}
}

// Skipped closes the span for a unit that was already done.
func (u *UnitScope) Skipped() {
	u.span.SetAttributes(AttrSkipped.Bool(true))
	RecordSuccess(u.span)
	u.span.End()

	u.run.tel.Metrics.RecordSkip(u.run.Command)
	_ = u.run.tel.Events.PublishUnit(EventTypeUnitSkipped, u.run.RunID, u.Unit, u.run.Command, nil)
}

// End closes the unit span and records the outcome.
func (u *UnitScope) End(status string, err error) {
	eventType := EventTypeUnitSucceeded
	if err != nil {
		eventType = EventTypeUnitFailed
		RecordError(u.span, err)
	} else {
		RecordSuccess(u.span)
	}
	u.span.End()

	u.run.tel.Metrics.RecordUnitExecution(u.run.Command, status, u.timer.Duration())
	if pubErr := u.run.tel.Events.PublishUnit(eventType, u.run.RunID, u.Unit, u.run.Command, err); pubErr != nil {
		u.Logger.Warn().Err(pubErr).Msg("Failed to publish event")
	}
}
