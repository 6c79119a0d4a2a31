package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
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

// telemetryContextKey is the context key for telemetry instances.
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

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that logs nothing, exports nothing and keeps no
// metrics. Events are delivered synchronously.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	tracer, _ := NewTracer(TracingConfig{}, cfg.ServiceName, cfg.ServiceVersion)
	metrics, _ := NewMetrics(MetricsConfig{})
	events, _ := NewEventPublisher(EventsConfig{Enabled: true})
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.Events != nil {
		if err := t.Events.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Tracer != nil {
		if err := t.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush exports pending spans and writes the metrics textfile.
func (t *Telemetry) Flush(ctx context.Context) error {
	return errors.Join(t.Tracer.ForceFlush(ctx), t.Metrics.WriteTextfile())
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	phase string
	tel   *Telemetry
}

// StartPhase begins an instrumented preflight phase: a child span, a logger
// carrying the phase, and a timer recorded into the phase histogram on End.
func StartPhase(ctx context.Context, phase string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Span:   trace.SpanFromContext(ctx),
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
			phase:  phase,
		}
	}

	spanCtx, span := tel.Tracer.StartPhaseSpan(ctx, phase)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	logger := FromContext(ctx).WithField("phase", phase)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
		phase:  phase,
		tel:    tel,
	}
}

// End finishes the phase, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.tel == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
	ic.tel.Metrics.RecordPhase(ic.phase, ic.Timer.Duration())
}

// runState is stored in the context by WithRunContext.
type runState struct {
	span  trace.Span
	timer *Timer
}

// runStateKey is the context key for the run span and timer.
type runStateKey struct{}

// WithRunContext starts the run span, tags the logger with the run id and
// publishes the run started event.
func WithRunContext(ctx context.Context, runID, workspace string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, workspace)

	logger := FromContext(ctx).WithRunID(runID)
	spanCtx = logger.WithContext(spanCtx)

	_ = tel.Events.PublishRunStarted(runID, workspace)

	return context.WithValue(spanCtx, runStateKey{}, &runState{span: span, timer: NewTimer()})
}

// EndRunContext completes the run: it ends the span, records run metrics and
// publishes the completion or failure event. code is the error code of a
// failed run.
func EndRunContext(ctx context.Context, runID, status, code string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	var duration time.Duration
	if st, ok := ctx.Value(runStateKey{}).(*runState); ok {
		st.span.SetAttributes(AttrRunStatus.String(status))
		if err != nil {
			RecordError(st.span, err)
			if code != "" {
				st.span.SetAttributes(AttrErrorCode.String(code))
			}
		} else {
			RecordSuccess(st.span)
		}
		st.span.End()
		duration = st.timer.Duration()
	}

	tel.Metrics.RecordRunCompleted(status, duration, time.Now())
	tel.Metrics.RecordError(code)

	if err != nil {
		_ = tel.Events.PublishRunFailed(runID, err.Error())
	} else {
		_ = tel.Events.PublishRunCompleted(runID, status, duration)
	}
}
