package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// Engine evaluates Rego policies at the override and admission decision
// points. It satisfies execution.OverrideGuard and runtime.AdmissionGuard.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	settings Settings

	logger *telemetry.Logger
	events *telemetry.EventBus
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine with the builtin policies loaded.
func NewEngine(ctx context.Context, tel *telemetry.Telemetry, settings Settings) (*Engine, error) {
	if tel == nil {
		tel = telemetry.NewNop()
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store: inmem.NewFromObject(map[string]interface{}{
			"runtime": map[string]interface{}{"settings": settings.document()},
		}),
		settings: settings,
		logger:   tel.Logger.NewComponentLogger("policy-engine"),
		events:   tel.Events,
	}

	for _, p := range GetBuiltinPolicies() {
		if err := e.AddPolicy(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	e.logger.Infof("Loaded %d built-in policies", len(e.policies))
	return e, nil
}

// AddPolicy compiles p and adds or replaces it by name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	if p.Name == "" {
		return engine.NewDefinitionError("", "policy has no name")
	}
	if err := p.Target.Validate(); err != nil {
		return engine.NewDefinitionError(p.Name, err.Error())
	}

	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return engine.NewDefinitionError(p.Name, fmt.Sprintf("failed to parse policy: %v", err))
	}
	if module == nil {
		return engine.NewDefinitionError(p.Name, "policy is empty")
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.ParsedModule(module),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return engine.NewDefinitionError(p.Name, fmt.Sprintf("failed to prepare policy: %v", err))
	}

	if p.LoadedAt.IsZero() {
		p.LoadedAt = time.Now()
	}

	e.mu.Lock()
	e.policies[p.Name] = &compiledPolicy{policy: &p, query: query}
	e.mu.Unlock()

	e.logger.WithField("policy", p.Name).Debug("Policy compiled")
	return nil
}

// LoadPolicies adds every policy found under paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.AddPolicy(ctx, p); err != nil {
			return err
		}
	}
	e.logger.Infof("Loaded %d policies from %d path(s)", len(policies), len(paths))
	return nil
}

// SetSettings replaces the data document policies read.
func (e *Engine) SetSettings(ctx context.Context, s Settings) error {
	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, storage.Path{"runtime", "settings"}, s.document()); err != nil {
		return fmt.Errorf("failed to write policy settings: %w", err)
	}

	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()

	e.events.Publish(telemetry.Event{
		Type:    telemetry.EventPolicyUpdated,
		Source:  "policy-engine",
		Message: "Policy settings updated",
		Level:   telemetry.EventLevelInfo,
		Data: map[string]interface{}{
			"overrideUsers":           len(s.OverrideUsers),
			"allowEmergencyResources": s.AllowEmergencyResources,
		},
	})
	return nil
}

// Settings returns the current data document.
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.settings
	s.OverrideUsers = append([]string(nil), s.OverrideUsers...)
	return s
}

// Evaluate runs every enabled policy for target against input. A policy
// that fails to evaluate denies.
func (e *Engine) Evaluate(ctx context.Context, target Target, input map[string]interface{}) (*Decision, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	e.mu.RLock()
	selected := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled && cp.policy.Target == target {
			selected = append(selected, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(selected, func(i, j int) bool { return selected[i].policy.Name < selected[j].policy.Name })

	decision := &Decision{Target: target, Allowed: true}
	for _, cp := range selected {
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, cp.policy.Name)

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			e.logger.WithError(err).WithField("policy", cp.policy.Name).Error("Policy evaluation failed")
			decision.Violations = append(decision.Violations, Violation{
				Policy:  cp.policy.Name,
				Message: fmt.Sprintf("policy evaluation failed: %v", err),
			})
			continue
		}
		decision.Violations = append(decision.Violations, violations(cp.policy.Name, results)...)
	}

	decision.Allowed = len(decision.Violations) == 0
	decision.Duration = time.Since(start)
	return decision, nil
}

func violations(policy string, results rego.ResultSet) []Violation {
	var out []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		set, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range set {
			v := Violation{Policy: policy}
			switch val := d.(type) {
			case string:
				v.Message = val
			case map[string]interface{}:
				v.Message, _ = val["message"].(string)
				v.Details = val
			default:
				v.Message = fmt.Sprintf("%v", val)
			}
			out = append(out, v)
		}
	}
	return out
}

func summarize(d *Decision) string {
	msgs := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		msgs[i] = v.Message
	}
	return strings.Join(msgs, "; ")
}

// AuthorizeOverride allows userID to hand stepID to a human.
func (e *Engine) AuthorizeOverride(ctx context.Context, stepID, userID string) error {
	d, err := e.Evaluate(ctx, TargetOverride, map[string]interface{}{
		"step_id": stepID,
		"user":    userID,
	})
	if err != nil {
		return err
	}
	if !d.Allowed {
		e.logger.WithStepID(stepID).Warnf("Override denied for %q: %s", userID, summarize(d))
		return engine.NewPermanentError(summarize(d), nil).
			WithCode(engine.ErrCodeOverrideDenied).
			WithResource(stepID)
	}
	return nil
}

// AdmitStep allows a bound step to be dispatched.
func (e *Engine) AdmitStep(ctx context.Context, input map[string]interface{}) error {
	d, err := e.Evaluate(ctx, TargetAdmission, input)
	if err != nil {
		return err
	}
	if !d.Allowed {
		step, _ := input["step"].(string)
		e.logger.WithField("step", step).Warnf("Step admission denied: %s", summarize(d))
		return engine.NewPermanentError(summarize(d), nil).
			WithCode(engine.ErrCodeAdmissionDenied).
			WithResource(step)
	}
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	e.mu.RUnlock()

	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	cp, exists := e.policies[name]
	if exists {
		cp.policy.Enabled = enabled
	}
	e.mu.Unlock()

	if !exists {
		return engine.NewPermanentError(fmt.Sprintf("policy not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	e.logger.WithField("policy", name).Infof("Policy enabled=%t", enabled)
	return nil
}
