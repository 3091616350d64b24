package execution

import (
	"fmt"
	"time"

	"github.com/busyhq/busyrt/pkg/engine"
)

// Policy controls how ExecuteStep walks the fallback chain.
type Policy struct {
	DefaultChain       []engine.ExecutionType `json:"defaultChain" yaml:"defaultChain"`
	AllowHumanOverride bool                   `json:"allowHumanOverride" yaml:"allowHumanOverride"`
	MaxRetries         int                    `json:"maxRetries" yaml:"maxRetries"`
	ExecutionTimeout   time.Duration          `json:"executionTimeout" yaml:"executionTimeout"`
	AvailableTypes     []engine.ExecutionType `json:"availableTypes" yaml:"availableTypes"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		DefaultChain:       []engine.ExecutionType{engine.ExecutionTypeAlgorithmic, engine.ExecutionTypeAI, engine.ExecutionTypeHuman},
		AllowHumanOverride: true,
		MaxRetries:         3,
		ExecutionTimeout:   5 * time.Minute,
		AvailableTypes:     []engine.ExecutionType{engine.ExecutionTypeAlgorithmic, engine.ExecutionTypeAI, engine.ExecutionTypeHuman},
	}
}

// Validate checks the policy for values the dispatcher cannot run with.
func (p Policy) Validate() error {
	if p.MaxRetries < 1 {
		return fmt.Errorf("maxRetries must be at least 1, got %d", p.MaxRetries)
	}
	if p.ExecutionTimeout <= 0 {
		return fmt.Errorf("executionTimeout must be positive, got %v", p.ExecutionTimeout)
	}
	for _, t := range p.DefaultChain {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	for _, t := range p.AvailableTypes {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	out := p
	out.DefaultChain = append([]engine.ExecutionType(nil), p.DefaultChain...)
	out.AvailableTypes = append([]engine.ExecutionType(nil), p.AvailableTypes...)
	return out
}

// PolicyUpdate is a partial policy. Nil fields are left unchanged.
type PolicyUpdate struct {
	DefaultChain       []engine.ExecutionType `json:"defaultChain,omitempty" yaml:"defaultChain,omitempty"`
	AllowHumanOverride *bool                  `json:"allowHumanOverride,omitempty" yaml:"allowHumanOverride,omitempty"`
	MaxRetries         *int                   `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	ExecutionTimeout   *time.Duration         `json:"executionTimeout,omitempty" yaml:"executionTimeout,omitempty"`
	AvailableTypes     []engine.ExecutionType `json:"availableTypes,omitempty" yaml:"availableTypes,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u PolicyUpdate) IsEmpty() bool {
	return u.DefaultChain == nil && u.AllowHumanOverride == nil && u.MaxRetries == nil &&
		u.ExecutionTimeout == nil && u.AvailableTypes == nil
}

// Apply merges the update into p and returns the result.
func (u PolicyUpdate) Apply(p Policy) Policy {
	out := p.Clone()
	if u.DefaultChain != nil {
		out.DefaultChain = append([]engine.ExecutionType(nil), u.DefaultChain...)
	}
	if u.AllowHumanOverride != nil {
		out.AllowHumanOverride = *u.AllowHumanOverride
	}
	if u.MaxRetries != nil {
		out.MaxRetries = *u.MaxRetries
	}
	if u.ExecutionTimeout != nil {
		out.ExecutionTimeout = *u.ExecutionTimeout
	}
	if u.AvailableTypes != nil {
		out.AvailableTypes = append([]engine.ExecutionType(nil), u.AvailableTypes...)
	}
	return out
}
