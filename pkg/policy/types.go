package policy

import (
	"fmt"
	"time"
)

// Target is the decision point a policy applies to.
type Target string

const (
	// TargetOverride policies gate human overrides of running steps.
	TargetOverride Target = "override"
	// TargetAdmission policies gate dispatch of a step once its resources are bound.
	TargetAdmission Target = "admission"
)

// Validate checks that t is a known target.
func (t Target) Validate() error {
	switch t {
	case TargetOverride, TargetAdmission:
		return nil
	default:
		return fmt.Errorf("unknown policy target %q", t)
	}
}

// Policy is a Rego module evaluated at one decision point. The module must
// define a deny set; every member is a violation.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Target selects the decision point.
	Target Target `json:"target" yaml:"target"`

	// Rego contains the policy source.
	Rego string `json:"rego" yaml:"rego"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled" yaml:"enabled"`

	Tags     []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one deny result.
type Violation struct {
	Policy  string                 `json:"policy"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Decision is the outcome of evaluating every enabled policy for a target.
type Decision struct {
	Target            Target        `json:"target"`
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Settings is the data document policies read under data.runtime.settings.
type Settings struct {
	// OverrideUsers restricts who may request a human override. Empty
	// means any identified user.
	OverrideUsers []string `json:"override_users" yaml:"overrideUsers"`

	// AllowEmergencyResources admits steps bound to emergency-tier resources.
	AllowEmergencyResources bool `json:"allow_emergency_resources" yaml:"allowEmergencyResources"`
}

func (s Settings) document() map[string]interface{} {
	users := make([]interface{}, len(s.OverrideUsers))
	for i, u := range s.OverrideUsers {
		users[i] = u
	}
	return map[string]interface{}{
		"override_users":            users,
		"allow_emergency_resources": s.AllowEmergencyResources,
	}
}
