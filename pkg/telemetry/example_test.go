package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/taskcore/pkg/telemetry"
)

func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("taskcore started")
}

func Example_runContext() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}

	done := make(chan struct{})
	var seen []string
	tel.Events.Subscribe(func(e telemetry.Event) {
		seen = append(seen, e.Type)
		if e.Type == telemetry.EventTypeRunCompleted {
			close(done)
		}
	}, telemetry.FilterByRunID("run-42"))

	ctx := telemetry.WithRunContext(tel.WithContext(context.Background()), "run-42", "deploy-web")
	fmt.Println(telemetry.RunID(ctx))
	telemetry.EndRunContext(ctx, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
	}
	_ = tel.Shutdown(context.Background())

	fmt.Println(seen)
	// Output:
	// run-42
	// [run.started run.completed]
}

func Example_eventFilters() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false
	cfg.Logging.Level = "error"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Level, e.Type, e.Subject)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	_ = tel.Events.PublishCommandStarted("run-1", "helm", []string{"upgrade"}, "")
	_ = tel.Events.PublishCommandFailed("run-1", "helm", []string{"upgrade"}, "Execution", 1, "exit status 1", time.Second)
	_ = tel.Events.PublishPolicyViolation("run-1", "helm", "no-helm-debug-secrets", "warning", "--debug prints rendered secrets")

	// Output:
	// error command.failed helm
	// warning policy.violation helm
}

func Example_instrumentedOperation() {
	ctx := context.Background()

	op := telemetry.StartOperation(ctx, "transform.substitute")
	op.Logger.Debug("substituting variables")
	op.End(nil)

	fmt.Println(op.Timer.Duration() >= 0)
	// Output: true
}
