package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/busyhq/busyrt/pkg/engine"
)

// Implementation is deterministic code that carries out a step.
type Implementation interface {
	Run(ctx context.Context, sc *StepContext) (map[string]interface{}, error)
}

// ImplementationFunc adapts a function to Implementation.
type ImplementationFunc func(ctx context.Context, sc *StepContext) (map[string]interface{}, error)

// Run calls f.
func (f ImplementationFunc) Run(ctx context.Context, sc *StepContext) (map[string]interface{}, error) {
	return f(ctx, sc)
}

// AlgorithmicStrategy runs code looked up in an explicit registry keyed
// by implementation name.
type AlgorithmicStrategy struct {
	mu    sync.RWMutex
	impls map[string]Implementation
}

// NewAlgorithmicStrategy creates a strategy with an empty registry.
func NewAlgorithmicStrategy() *AlgorithmicStrategy {
	return &AlgorithmicStrategy{impls: make(map[string]Implementation)}
}

func (a *AlgorithmicStrategy) Type() engine.ExecutionType { return engine.ExecutionTypeAlgorithmic }
func (a *AlgorithmicStrategy) Available() bool            { return true }
func (a *AlgorithmicStrategy) Priority() int               { return 100 }

// Register binds name to impl, replacing any previous binding.
func (a *AlgorithmicStrategy) Register(name string, impl Implementation) error {
	if name == "" {
		return engine.NewDefinitionError("", "implementation name is empty")
	}
	if impl == nil {
		return engine.NewDefinitionError(name, "implementation is nil")
	}
	a.mu.Lock()
	a.impls[name] = impl
	a.mu.Unlock()
	return nil
}

// RegisterFunc is Register for plain functions.
func (a *AlgorithmicStrategy) RegisterFunc(name string, fn func(ctx context.Context, sc *StepContext) (map[string]interface{}, error)) error {
	return a.Register(name, ImplementationFunc(fn))
}

// Unregister removes name from the registry.
func (a *AlgorithmicStrategy) Unregister(name string) {
	a.mu.Lock()
	delete(a.impls, name)
	a.mu.Unlock()
}

// Has reports whether name is registered.
func (a *AlgorithmicStrategy) Has(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.impls[name]
	return ok
}

// Names lists registered implementation names in sorted order.
func (a *AlgorithmicStrategy) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.impls))
	for n := range a.impls {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs the registered implementation. A step without one fails
// with NO_IMPLEMENTATION so the chain moves on.
func (a *AlgorithmicStrategy) Execute(ctx context.Context, sc *StepContext) (*Result, error) {
	key := sc.ImplementationKey()

	a.mu.RLock()
	impl, ok := a.impls[key]
	a.mu.RUnlock()

	if !ok {
		return Failed(a.Type(), &ExecutionError{
			Code:              engine.ErrCodeNoImplementation,
			Message:           fmt.Sprintf("no algorithmic implementation for %q", key),
			FallbackSuggested: true,
		}), nil
	}

	ctx, logs := withLogCollector(ctx)
	outputs, err := impl.Run(ctx, sc)
	if err != nil {
		return Failed(a.Type(), ToExecutionError(err), logs.lines()...), nil
	}
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	return Succeeded(a.Type(), outputs, logs.lines()...), nil
}
