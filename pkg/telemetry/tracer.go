package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Common attribute keys for taskcore spans.
var (
	AttrRunID            = attribute.Key("run.id")
	AttrTool             = attribute.Key("command.tool")
	AttrArgCount         = attribute.Key("command.arg_count")
	AttrExitCode         = attribute.Key("command.exit_code")
	AttrPollURL          = attribute.Key("poll.url")
	AttrPollAttempts     = attribute.Key("poll.max_attempts")
	AttrPollAttemptsMade = attribute.Key("poll.attempts")
	AttrPollReady        = attribute.Key("poll.ready")
	AttrEndpointName     = attribute.Key("endpoint.name")
	AttrEndpointKind     = attribute.Key("endpoint.kind")
	AttrConnectionID     = attribute.Key("connection.id")
	AttrDocumentPath     = attribute.Key("document.path")
	AttrDocumentType     = attribute.Key("document.format")
	AttrErrorKind        = attribute.Key("error.kind")
	AttrSubstitutions    = attribute.Key("transform.substitutions")
)

// Tracer wraps the OpenTelemetry tracer with taskcore span helpers.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{
			provider: sdktrace.NewTracerProvider(),
			tracer:   otel.Tracer(serviceName),
			config:   cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		// Task runs are short-lived; a syncer avoids losing spans when the
		// process exits with the tool's code.
		opts = append(opts, sdktrace.WithSyncer(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithUserAgent("taskcore")))

	return otlptracegrpc.New(context.Background(), opts...)
}

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the root span of a task run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, task string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "run.execute",
		AttrRunID.String(runID),
		attribute.String("run.task", task),
	)
}

// StartCommandSpan starts a span for one external command. Arguments are
// not recorded; they may carry secrets.
func (t *Tracer) StartCommandSpan(ctx context.Context, tool string, argCount int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "command.execute",
		AttrTool.String(tool),
		AttrArgCount.Int(argCount),
	)
}

// StartPollSpan starts a span for a readiness poll loop.
func (t *Tracer) StartPollSpan(ctx context.Context, url string, maxAttempts int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "poll.until_ready",
		AttrPollURL.String(url),
		AttrPollAttempts.Int(maxAttempts),
	)
}

// StartConnectionSpan starts a span for a connection lifecycle step.
func (t *Tracer) StartConnectionSpan(ctx context.Context, op, endpoint, kind string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "connection."+op,
		AttrEndpointName.String(endpoint),
		AttrEndpointKind.String(kind),
	)
}

// StartTransformSpan starts a span for a document transformation.
func (t *Tracer) StartTransformSpan(ctx context.Context, path, format string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "transform.apply",
		AttrDocumentPath.String(path),
		AttrDocumentType.String(format),
	)
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Shutdown gracefully shuts down the tracer, flushing any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush forces all pending spans to be exported immediately.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
