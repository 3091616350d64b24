package policy

import (
	"time"
)

// GetBuiltinPolicies returns the policies every engine starts with.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		humanOverridePolicy(),
		stepAdmissionPolicy(),
	}
}

// humanOverridePolicy requires an identified user and, when an allow-list is
// configured, membership in it.
func humanOverridePolicy() Policy {
	return Policy{
		Name:        "human-override",
		Description: "Human overrides require an identified, allow-listed user",
		Target:      TargetOverride,
		Enabled:     true,
		Tags:        []string{"override", "access"},
		LoadedAt:    time.Now(),
		Rego: `package busyrt.override

import rego.v1

deny contains msg if {
	input.user == ""
	msg := sprintf("override of step %s requires an identified user", [input.step_id])
}

deny contains msg if {
	input.user != ""
	count(data.runtime.settings.override_users) > 0
	not listed
	msg := sprintf("user %s is not allowed to override steps", [input.user])
}

listed if {
	some u in data.runtime.settings.override_users
	u == input.user
}
`,
	}
}

// stepAdmissionPolicy keeps steps off emergency-tier resources unless the
// runtime allows them.
func stepAdmissionPolicy() Policy {
	return Policy{
		Name:        "step-admission",
		Description: "Steps may only use emergency-tier resources when enabled",
		Target:      TargetAdmission,
		Enabled:     true,
		Tags:        []string{"resources", "emergency"},
		LoadedAt:    time.Now(),
		Rego: `package busyrt.admission

import rego.v1

deny contains msg if {
	not data.runtime.settings.allow_emergency_resources
	some a in input.allocations
	a.tier == "emergency"
	msg := sprintf("step %s may not use emergency resource %s for %s", [input.step, a.resource, a.name])
}
`,
	}
}
