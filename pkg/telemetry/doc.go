// Package telemetry provides observability instrumentation for the busy runtime.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and a lifecycle event bus.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Components take the bundle and derive component loggers from it:
//
//	logger := tel.Logger.NewComponentLogger("resources")
//	logger.WithStepID("print-label").Info("allocated")
//
// # Tracing
//
// Playbooks, steps, and strategy attempts each get a span:
//
//	ctx, span := tel.Tracer.StartStepSpan(ctx, executionID, stepID)
//	defer span.End()
//
// Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics live in their own registry and are exposed with Metrics.Handler
// or Metrics.NewServer. Every Record method is a no-op when metrics are
// disabled.
//
// # Events
//
// The EventBus carries lifecycle notifications such as playbook:started,
// step:completed, resources:allocated, and execution:failed. Publishing is
// non-blocking and each subscriber receives a private deep copy of the
// event. A full buffer drops the event and increments
// busyrt_events_dropped_total.
//
//	id := tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.ExecutionID)
//	}, telemetry.FilterByType(telemetry.EventPlaybookCompleted))
//	defer tel.Events.Unsubscribe(id)
package telemetry
