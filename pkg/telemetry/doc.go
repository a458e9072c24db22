// Package telemetry provides observability instrumentation for taskcore.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a single
// bundle that travels with the context.
//
// # Usage
//
// Initialize telemetry once at startup:
//
//	cfg := telemetry.CIConfig(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Everything below reads the bundle from the context, so packages such as
// execution, connection and poll never take a *Telemetry argument. Without
// one in the context they fall back to the global zerolog logger, a disabled
// Metrics and a nil EventPublisher, all of which are safe to call.
//
// # Runs
//
// A run groups the commands, polls, connections and transforms performed
// for one pipeline task:
//
//	ctx = telemetry.WithRunContext(ctx, runID, "deploy-web")
//	defer func() { telemetry.EndRunContext(ctx, err) }()
//
// # Logging
//
//	logger := telemetry.FromContext(ctx).WithTool("kubectl")
//	logger.Infof("applying %d manifests", n)
//
// Log levels: trace, debug, info, warn, error.
//
// # Tracing
//
// Spans are opened through StartSpan so callers need not check for a
// tracer:
//
//	ctx, span := telemetry.StartSpan(ctx, func(t *telemetry.Tracer) (context.Context, trace.Span) {
//	    return t.StartPollSpan(ctx, url, policy.MaxAttempts)
//	})
//	defer span.End()
//
// Supported exporters: otlp, stdout, none.
//
// # Metrics
//
// Metrics are registered on a private registry and served by
// StartMetricsServer when MetricsConfig.ListenAddress is set.
//
// # Events
//
// Events are delivered in publish order to subscribers, for example the
// run journal:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Subject)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
