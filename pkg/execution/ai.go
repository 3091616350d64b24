package execution

import (
	"context"
	"os"
	"strconv"

	"github.com/busyhq/busyrt/pkg/engine"
)

// AIEnabledEnv gates the AI strategy when no explicit gate is given.
const AIEnabledEnv = "BUSYRT_AI_ENABLED"

// AIDelegate performs a step with an AI agent.
type AIDelegate interface {
	Perform(ctx context.Context, sc *StepContext) (map[string]interface{}, error)
}

// AIDelegateFunc adapts a function to AIDelegate.
type AIDelegateFunc func(ctx context.Context, sc *StepContext) (map[string]interface{}, error)

// Perform calls f.
func (f AIDelegateFunc) Perform(ctx context.Context, sc *StepContext) (map[string]interface{}, error) {
	return f(ctx, sc)
}

// AIStrategy forwards steps to a pluggable delegate. It is available only
// when a delegate is set and the gate is open.
type AIStrategy struct {
	delegate AIDelegate
	gate     func() bool
}

// NewAIStrategy creates an AI strategy. A nil gate reads AIEnabledEnv.
func NewAIStrategy(delegate AIDelegate, gate func() bool) *AIStrategy {
	if gate == nil {
		gate = envGate(AIEnabledEnv)
	}
	return &AIStrategy{delegate: delegate, gate: gate}
}

func envGate(name string) func() bool {
	return func() bool {
		v, err := strconv.ParseBool(os.Getenv(name))
		return err == nil && v
	}
}

func (a *AIStrategy) Type() engine.ExecutionType { return engine.ExecutionTypeAI }
func (a *AIStrategy) Priority() int               { return 50 }

func (a *AIStrategy) Available() bool {
	return a.delegate != nil && a.gate()
}

// Execute forwards to the delegate.
func (a *AIStrategy) Execute(ctx context.Context, sc *StepContext) (*Result, error) {
	if a.delegate == nil {
		return Failed(a.Type(), &ExecutionError{
			Code:              engine.ErrCodeNoImplementation,
			Message:           "no AI delegate configured",
			FallbackSuggested: true,
		}), nil
	}

	ctx, logs := withLogCollector(ctx)
	outputs, err := a.delegate.Perform(ctx, sc)
	if err != nil {
		return Failed(a.Type(), ToExecutionError(err), logs.lines()...), nil
	}
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	return Succeeded(a.Type(), outputs, logs.lines()...), nil
}
