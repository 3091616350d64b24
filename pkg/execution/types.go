package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/busyhq/busyrt/pkg/engine"
)

// Strategy is one interchangeable way of carrying out a step.
type Strategy interface {
	// Type identifies the strategy in policies and chains.
	Type() engine.ExecutionType

	// Available reports whether the strategy can currently take work.
	Available() bool

	// Priority orders strategies when listed; it does not affect chains.
	Priority() int

	// Execute runs the step. A returned error is converted into a failed
	// Result; strategies that know whether a failure is retryable should
	// return a Result carrying an ExecutionError instead.
	Execute(ctx context.Context, sc *StepContext) (*Result, error)
}

// StepContext is everything a strategy may use to carry out a step.
type StepContext struct {
	ExecutionID string `json:"executionId"`
	// StepID uniquely identifies this step execution.
	StepID string `json:"stepId"`
	// StepName is the step's name within its playbook definition.
	StepName string `json:"stepName"`
	Method   string `json:"method,omitempty"`
	// Implementation is the algorithmic registry key; StepName when empty.
	Implementation string                 `json:"implementation,omitempty"`
	Inputs         map[string]interface{} `json:"inputs"`
	// Resources maps requirement names to bound resource names.
	Resources map[string]string `json:"resources,omitempty"`
	// Bindings maps capability names to provider ids.
	Bindings map[string]string `json:"bindings,omitempty"`
	// AllowedTypes restricts the chain for this step when non-empty.
	AllowedTypes []engine.ExecutionType `json:"allowedTypes,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ImplementationKey returns the key used to find algorithmic code.
func (sc *StepContext) ImplementationKey() string {
	if sc.Implementation != "" {
		return sc.Implementation
	}
	return sc.StepName
}

// ExecutionError is the failure carried on a Result. Retryable drives
// in-place retries; a non-retryable error moves the chain to the next strategy.
type ExecutionError struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Retryable         bool   `json:"retryable"`
	FallbackSuggested bool   `json:"fallbackSuggested"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is what a strategy reports for one attempt.
type Result struct {
	Success       bool                   `json:"success"`
	Outputs       map[string]interface{} `json:"outputs,omitempty"`
	ExecutionType engine.ExecutionType   `json:"executionType"`
	Duration      time.Duration          `json:"duration"`
	Logs          []string               `json:"logs,omitempty"`
	Error         *ExecutionError        `json:"error,omitempty"`
	// Attempts counts the attempts the dispatcher made with this strategy.
	Attempts int `json:"attempts,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(t engine.ExecutionType, outputs map[string]interface{}, logs ...string) *Result {
	return &Result{Success: true, ExecutionType: t, Outputs: outputs, Logs: logs}
}

// Failed builds a failed result.
func Failed(t engine.ExecutionType, e *ExecutionError, logs ...string) *Result {
	return &Result{Success: false, ExecutionType: t, Error: e, Logs: logs}
}

// ToExecutionError classifies an arbitrary error. Classified engine errors
// keep their retryability, deadline errors become TIMEOUT, and anything
// else is treated as retryable.
func ToExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}

	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{Code: engine.ErrCodeTimeout, Message: err.Error(), Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		return &ExecutionError{Code: engine.ErrCodeCancelled, Message: err.Error()}
	}

	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		code := engErr.Code
		if code == "" {
			code = engine.ErrCodeExecutionFailed
		}
		return &ExecutionError{
			Code:              code,
			Message:           engErr.Error(),
			Retryable:         engine.IsRetryable(err),
			FallbackSuggested: engErr.Class == engine.ErrorClassPermanent,
		}
	}

	return &ExecutionError{Code: engine.ErrCodeExecutionFailed, Message: err.Error(), Retryable: true}
}

type logCollectorKey struct{}

type logCollector struct {
	mu    sync.Mutex
	items []string
}

func (c *logCollector) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.items...)
}

func withLogCollector(ctx context.Context) (context.Context, *logCollector) {
	c := &logCollector{}
	return context.WithValue(ctx, logCollectorKey{}, c), c
}

// AppendLog adds a line to the result logs of the running step. It is a
// no-op outside a strategy call.
func AppendLog(ctx context.Context, line string) {
	c, ok := ctx.Value(logCollectorKey{}).(*logCollector)
	if !ok {
		return
	}
	c.mu.Lock()
	c.items = append(c.items, line)
	c.mu.Unlock()
}
