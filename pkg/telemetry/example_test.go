package telemetry_test

import (
	"context"
	"fmt"

	"github.com/busyhq/busyrt/pkg/telemetry"
)

// Example_eventBus demonstrates subscribing to lifecycle events.
func Example_eventBus() {
	tel := telemetry.NewNop()

	done := make(chan struct{})
	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.ExecutionID)
		close(done)
	}, telemetry.FilterByType(telemetry.EventPlaybookCompleted))

	tel.Events.Publish(telemetry.Event{Type: telemetry.EventPlaybookStarted, ExecutionID: "exec-1"})
	tel.Events.Publish(telemetry.Event{Type: telemetry.EventPlaybookCompleted, ExecutionID: "exec-1"})

	<-done
	_ = tel.Shutdown(context.Background())

	// Output:
	// playbook:completed exec-1
}

// Example_componentLogging demonstrates scoped structured logging.
func Example_componentLogging() {
	tel := telemetry.NewNop()
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("execution").
		WithExecutionID("exec-1").
		WithStepID("print-label").
		WithStrategy("algorithmic")
	logger.Info("attempt started")
	logger.WithError(fmt.Errorf("printer jammed")).Warn("attempt failed")
}
