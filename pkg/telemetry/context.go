package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics, and events.
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

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
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

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes events and spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext carries a span, a logger, and a timer for one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx).WithField("operation", operation),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	logger := FromContext(ctx).WithField("operation", operation)
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
	}
}

// End finishes the operation, recording success or failure on the span.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

type runKey struct{}

type runState struct {
	id    string
	task  string
	span  trace.Span
	timer *Timer
}

// WithRunContext tags the context with a run ID. Commands, polls,
// connections and transforms started under it report that ID.
func WithRunContext(ctx context.Context, runID, task string) context.Context {
	state := &runState{id: runID, task: task, timer: NewTimer()}

	logger := FromContext(ctx).WithRunID(runID)
	ctx = logger.WithContext(ctx)

	if tel := FromTelemetryContext(ctx); tel != nil {
		ctx, state.span = tel.Tracer.StartRunSpan(ctx, runID, task)
		tel.Metrics.RecordRunStarted(task)
		_ = tel.Events.PublishRunStarted(runID, task)
	}

	return context.WithValue(ctx, runKey{}, state)
}

// RunID returns the run ID carried by ctx, or "".
func RunID(ctx context.Context) string {
	if state, ok := ctx.Value(runKey{}).(*runState); ok {
		return state.id
	}
	return ""
}

// EndRunContext completes the run started by WithRunContext.
func EndRunContext(ctx context.Context, err error) {
	state, ok := ctx.Value(runKey{}).(*runState)
	if !ok {
		return
	}
	duration := state.timer.Duration()

	if state.span != nil {
		if err != nil {
			RecordError(state.span, err)
		} else {
			RecordSuccess(state.span)
		}
		state.span.End()
	}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	tel.Metrics.RecordRunCompleted(status, duration)

	if err != nil {
		_ = tel.Events.PublishRunFailed(state.id, err.Error(), duration)
	} else {
		_ = tel.Events.PublishRunCompleted(state.id, status, duration)
	}
}

// MetricsFrom returns the context's metrics, or a disabled instance.
func MetricsFrom(ctx context.Context) *Metrics {
	if tel := FromTelemetryContext(ctx); tel != nil && tel.Metrics != nil {
		return tel.Metrics
	}
	return &Metrics{}
}

// EventsFrom returns the context's event publisher, or nil. Publish methods
// are safe to call on nil.
func EventsFrom(ctx context.Context) *EventPublisher {
	if tel := FromTelemetryContext(ctx); tel != nil {
		return tel.Events
	}
	return nil
}

// StartSpan starts a span on the context's tracer. Without telemetry it
// returns the context unchanged and a non-recording span.
func StartSpan(ctx context.Context, fn func(*Tracer) (context.Context, trace.Span)) (context.Context, trace.Span) {
	if tel := FromTelemetryContext(ctx); tel != nil && tel.Tracer != nil {
		return fn(tel.Tracer)
	}
	return ctx, trace.SpanFromContext(context.Background())
}
