package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// DefaultBackoffBase is the unit of the exponential delay between retries.
const DefaultBackoffBase = time.Second

// OverrideGuard authorizes human overrides beyond the policy switch.
type OverrideGuard interface {
	AuthorizeOverride(ctx context.Context, stepID, userID string) error
}

// Manager dispatches steps across registered strategies following the
// current Policy.
type Manager struct {
	policyMu sync.RWMutex
	policy   Policy

	strategiesMu sync.RWMutex
	strategies   map[engine.ExecutionType]Strategy

	activeMu sync.Mutex
	active   map[string]*StepContext

	guard       OverrideGuard
	backoffBase time.Duration

	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
	events  *telemetry.EventBus
}

// NewManager creates a manager with the given policy and strategies.
// A nil tel disables instrumentation.
func NewManager(policy Policy, tel *telemetry.Telemetry, strategies ...Strategy) (*Manager, error) {
	if err := policy.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid execution policy", err).WithCode(engine.ErrCodeValidation)
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}

	m := &Manager{
		policy:      policy.Clone(),
		strategies:  make(map[engine.ExecutionType]Strategy),
		active:      make(map[string]*StepContext),
		backoffBase: DefaultBackoffBase,
		logger:      tel.Logger.NewComponentLogger("execution-manager"),
		tracer:      tel.Tracer,
		metrics:     tel.Metrics,
		events:      tel.Events,
	}
	for _, s := range strategies {
		m.RegisterStrategy(s)
	}
	return m, nil
}

// RegisterStrategy adds or replaces the strategy for its type.
func (m *Manager) RegisterStrategy(s Strategy) {
	m.strategiesMu.Lock()
	m.strategies[s.Type()] = s
	m.strategiesMu.Unlock()
}

// GetStrategy returns the strategy registered for t.
func (m *Manager) GetStrategy(t engine.ExecutionType) (Strategy, bool) {
	m.strategiesMu.RLock()
	defer m.strategiesMu.RUnlock()
	s, ok := m.strategies[t]
	return s, ok
}

// AvailableStrategies lists the types of strategies that are currently
// available, highest priority first.
func (m *Manager) AvailableStrategies() []engine.ExecutionType {
	m.strategiesMu.RLock()
	var list []Strategy
	for _, s := range m.strategies {
		if s.Available() {
			list = append(list, s)
		}
	}
	m.strategiesMu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority() != list[j].Priority() {
			return list[i].Priority() > list[j].Priority()
		}
		return list[i].Type() < list[j].Type()
	})
	out := make([]engine.ExecutionType, len(list))
	for i, s := range list {
		out[i] = s.Type()
	}
	return out
}

// SetOverrideGuard installs a guard consulted by RequestHumanOverride.
func (m *Manager) SetOverrideGuard(g OverrideGuard) {
	m.policyMu.Lock()
	m.guard = g
	m.policyMu.Unlock()
}

// SetBackoffBase changes the retry delay unit. Zero disables the delay.
func (m *Manager) SetBackoffBase(d time.Duration) {
	m.policyMu.Lock()
	m.backoffBase = d
	m.policyMu.Unlock()
}

// GetPolicy returns a copy of the current policy.
func (m *Manager) GetPolicy() Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy.Clone()
}

// UpdatePolicy merges update into the current policy. Steps already
// dispatching keep the policy they started with.
func (m *Manager) UpdatePolicy(update PolicyUpdate) (Policy, error) {
	m.policyMu.Lock()
	next := update.Apply(m.policy)
	if err := next.Validate(); err != nil {
		m.policyMu.Unlock()
		return Policy{}, engine.NewPermanentError("invalid execution policy update", err).WithCode(engine.ErrCodeValidation)
	}
	m.policy = next
	m.policyMu.Unlock()

	m.logger.Infof("Execution policy updated: chain=%v maxRetries=%d timeout=%s", next.DefaultChain, next.MaxRetries, next.ExecutionTimeout)
	m.events.Publish(telemetry.Event{
		Type:    telemetry.EventPolicyUpdated,
		Source:  "execution-manager",
		Message: "Execution policy updated",
		Data: map[string]interface{}{
			"defaultChain":       typesToStrings(next.DefaultChain),
			"maxRetries":         next.MaxRetries,
			"allowHumanOverride": next.AllowHumanOverride,
			"executionTimeoutMs": next.ExecutionTimeout.Milliseconds(),
		},
	})
	return next.Clone(), nil
}

func (m *Manager) snapshot() (Policy, time.Duration) {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy.Clone(), m.backoffBase
}

// effectiveChain filters the default chain down to types that are allowed,
// registered and available right now.
func (m *Manager) effectiveChain(p Policy, allowed []engine.ExecutionType) []Strategy {
	m.strategiesMu.RLock()
	defer m.strategiesMu.RUnlock()

	var chain []Strategy
	seen := make(map[engine.ExecutionType]bool)
	for _, t := range p.DefaultChain {
		if seen[t] || !containsType(p.AvailableTypes, t) {
			continue
		}
		if len(allowed) > 0 && !containsType(allowed, t) {
			continue
		}
		s, ok := m.strategies[t]
		if !ok || !s.Available() {
			continue
		}
		seen[t] = true
		chain = append(chain, s)
	}
	return chain
}

// ExecuteStep runs sc through the fallback chain. The first successful
// result is returned. When every strategy fails, the last failed result is
// returned together with a CHAIN_EXHAUSTED error.
func (m *Manager) ExecuteStep(ctx context.Context, sc *StepContext) (*Result, error) {
	policy, backoff := m.snapshot()
	chain := m.effectiveChain(policy, sc.AllowedTypes)
	logger := m.logger.WithExecutionID(sc.ExecutionID).WithStepID(sc.StepID)

	if len(chain) == 0 {
		logger.Warn("No execution strategy available")
		return nil, engine.NewPermanentError("all execution strategies failed: no execution strategy available", nil).
			WithCode(engine.ErrCodeChainExhausted).
			WithResource(sc.StepID)
	}

	m.activeMu.Lock()
	m.active[sc.StepID] = sc
	m.activeMu.Unlock()
	defer func() {
		m.activeMu.Lock()
		if m.active[sc.StepID] == sc {
			delete(m.active, sc.StepID)
		}
		m.activeMu.Unlock()
	}()

	var last *Result
	for _, s := range chain {
		res := m.runWithRetry(ctx, s, sc, policy, backoff)
		if res.Success {
			m.publish(telemetry.EventExecutionCompleted, sc, telemetry.EventLevelInfo,
				fmt.Sprintf("Step %s completed by %s strategy", sc.StepID, s.Type()),
				map[string]interface{}{"executionType": string(s.Type()), "attempts": res.Attempts, "durationMs": res.Duration.Milliseconds()})
			return res, nil
		}

		last = res
		logger.WithStrategy(string(s.Type())).Warnf("Strategy failed after %d attempt(s): %s", res.Attempts, res.Error.Message)
		m.publish(telemetry.EventExecutionFailed, sc, telemetry.EventLevelWarning,
			fmt.Sprintf("Step %s failed with %s strategy", sc.StepID, s.Type()),
			map[string]interface{}{"executionType": string(s.Type()), "code": res.Error.Code, "error": res.Error.Message, "attempts": res.Attempts})

		if ctx.Err() != nil {
			return last, engine.NewPermanentError("step execution cancelled", ctx.Err()).
				WithCode(engine.ErrCodeCancelled).
				WithResource(sc.StepID)
		}
	}

	return last, engine.NewPermanentError(fmt.Sprintf("all execution strategies failed: %s", last.Error.Message), nil).
		WithCode(engine.ErrCodeChainExhausted).
		WithResource(sc.StepID).
		WithDetail("last_code", last.Error.Code)
}

// runWithRetry makes up to policy.MaxRetries attempts with s. A
// non-retryable failure stops immediately.
func (m *Manager) runWithRetry(ctx context.Context, s Strategy, sc *StepContext, policy Policy, backoff time.Duration) *Result {
	var last *Result
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		res := m.attempt(ctx, s, sc, policy.ExecutionTimeout, attempt)
		res.Attempts = attempt
		if res.Success {
			return res
		}
		last = res
		if !res.Error.Retryable || attempt == policy.MaxRetries {
			break
		}
		if err := sleepContext(ctx, backoffDelay(backoff, attempt)); err != nil {
			break
		}
	}
	return last
}

// backoffDelay returns base * 2^attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	return base * time.Duration(1<<uint(attempt))
}

type attemptOutcome struct {
	result *Result
	err    error
}

// attempt races one strategy call against the execution timeout.
func (m *Manager) attempt(ctx context.Context, s Strategy, sc *StepContext, timeout time.Duration, n int) *Result {
	strategy := string(s.Type())
	ctx, span := m.tracer.StartStrategySpan(ctx, sc.StepID, strategy)
	span.SetAttributes(telemetry.AttrAttempt.Int(n))

	m.publish(telemetry.EventExecutionAttempt, sc, telemetry.EventLevelInfo,
		fmt.Sprintf("Attempt %d of step %s with %s strategy", n, sc.StepID, strategy),
		map[string]interface{}{"executionType": strategy, "attempt": n})

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := telemetry.NewTimer()
	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptOutcome{err: fmt.Errorf("strategy panicked: %v", r)}
			}
		}()
		res, err := s.Execute(attemptCtx, sc)
		done <- attemptOutcome{result: res, err: err}
	}()

	var res *Result
	select {
	case out := <-done:
		res = normalize(s.Type(), out)
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			res = Failed(s.Type(), &ExecutionError{Code: engine.ErrCodeCancelled, Message: "step execution cancelled"})
		} else {
			res = Failed(s.Type(), ToExecutionError(
				engine.NewTransientError(fmt.Sprintf("execution timed out after %s", timeout), nil).
					WithCode(engine.ErrCodeTimeout)))
		}
	}
	res.Duration = timer.Duration()

	outcome := "success"
	if !res.Success {
		outcome = "failure"
		if res.Error.Code == engine.ErrCodeTimeout {
			outcome = "timeout"
		}
		m.metrics.RecordError(classFor(res.Error), res.Error.Code)
		telemetry.EndSpan(span, res.Error)
	} else {
		telemetry.EndSpan(span, nil)
	}
	m.metrics.RecordStrategyAttempt(strategy, outcome)
	return res
}

func normalize(t engine.ExecutionType, out attemptOutcome) *Result {
	if out.err != nil {
		return Failed(t, ToExecutionError(out.err))
	}
	if out.result == nil {
		return Failed(t, &ExecutionError{Code: engine.ErrCodeInternal, Message: "strategy returned no result"})
	}
	res := *out.result
	res.ExecutionType = t
	if !res.Success && res.Error == nil {
		res.Error = &ExecutionError{Code: engine.ErrCodeExecutionFailed, Message: "strategy reported failure", Retryable: true}
	}
	return &res
}

func classFor(e *ExecutionError) string {
	if e.Retryable {
		return string(engine.ErrorClassTransient)
	}
	return string(engine.ErrorClassPermanent)
}

// RequestHumanOverride hands a step that is currently executing to the
// human strategy. It requires the policy switch, the guard (if any), an
// active step and a registered human strategy.
func (m *Manager) RequestHumanOverride(ctx context.Context, stepID, userID string) (*Result, error) {
	m.policyMu.RLock()
	allowed := m.policy.AllowHumanOverride
	guard := m.guard
	m.policyMu.RUnlock()

	if !allowed {
		return nil, engine.NewPermanentError("human override is disabled by policy", nil).
			WithCode(engine.ErrCodeOverrideDenied).
			WithResource(stepID)
	}
	if guard != nil {
		if err := guard.AuthorizeOverride(ctx, stepID, userID); err != nil {
			return nil, engine.NewPermanentError("human override denied", err).
				WithCode(engine.ErrCodeOverrideDenied).
				WithResource(stepID).
				WithDetail("user", userID)
		}
	}

	m.activeMu.Lock()
	sc, ok := m.active[stepID]
	m.activeMu.Unlock()
	if !ok {
		return nil, engine.NewPermanentError("no active execution for step", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(stepID)
	}

	human, ok := m.GetStrategy(engine.ExecutionTypeHuman)
	if !ok {
		return nil, engine.NewPermanentError("human strategy not registered", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(stepID)
	}

	override := *sc
	override.Metadata = make(map[string]interface{}, len(sc.Metadata)+1)
	for k, v := range sc.Metadata {
		override.Metadata[k] = v
	}
	override.Metadata["overrideBy"] = userID

	m.logger.WithStepID(stepID).WithField("user", userID).Info("Human override requested")

	timer := telemetry.NewTimer()
	res, err := human.Execute(ctx, &override)
	out := normalize(engine.ExecutionTypeHuman, attemptOutcome{result: res, err: err})
	out.Duration = timer.Duration()
	out.Attempts = 1
	return out, nil
}

func (m *Manager) publish(t telemetry.EventType, sc *StepContext, level, msg string, data map[string]interface{}) {
	m.events.Publish(telemetry.Event{
		Type:        t,
		Source:      "execution-manager",
		ExecutionID: sc.ExecutionID,
		StepID:      sc.StepID,
		Message:     msg,
		Level:       level,
		Data:        data,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func containsType(list []engine.ExecutionType, t engine.ExecutionType) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func typesToStrings(list []engine.ExecutionType) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = string(t)
	}
	return out
}
