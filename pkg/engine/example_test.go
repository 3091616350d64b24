package engine_test

import (
	"errors"
	"fmt"

	"github.com/busyhq/busyrt/pkg/engine"
)

// Example_errors shows how callers classify errors returned by the runtime.
func Example_errors() {
	err := engine.NewDefinitionError("print-report", "unknown capability \"sign-document\"")
	wrapped := fmt.Errorf("starting playbook: %w", err)

	fmt.Println(engine.CodeOf(wrapped))
	fmt.Println(engine.ClassOf(wrapped))
	fmt.Println(engine.IsRetryable(wrapped))

	timeout := engine.NewTransientError("attempt timed out", nil).WithCode(engine.ErrCodeTimeout)
	fmt.Println(engine.IsRetryable(timeout))

	var ee *engine.EngineError
	if errors.As(wrapped, &ee) {
		fmt.Println(ee.Resource)
	}

	// Output:
	// DEFINITION_ERROR
	// permanent
	// false
	// true
	// print-report
}

// Example_statusTransitions walks a playbook through its lifecycle.
func Example_statusTransitions() {
	status := engine.PlaybookStatusPending
	for _, next := range []engine.PlaybookStatus{
		engine.PlaybookStatusRunning,
		engine.PlaybookStatusPaused,
		engine.PlaybookStatusCompleted,
	} {
		if err := status.Transition(next); err != nil {
			fmt.Println(engine.CodeOf(err))
			continue
		}
		status = next
		fmt.Println(status)
	}
	fmt.Println(status.CanTransition(engine.PlaybookStatusFailed))

	// Output:
	// running
	// paused
	// INVALID_TRANSITION
	// true
}
