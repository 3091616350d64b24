// Package policy gates runtime decisions with Open Policy Agent.
//
// An Engine holds Rego policies, each bound to a Target. Every policy
// defines a deny set; a decision is allowed only when no enabled policy for
// the target denies. Two builtin policies are always loaded:
//
//   - human-override requires an identified user and, when
//     Settings.OverrideUsers is non-empty, membership in that list.
//   - step-admission denies steps whose allocations include an
//     emergency-tier resource unless Settings.AllowEmergencyResources is set.
//
// Settings are exposed to policies as data.runtime.settings and can be
// replaced at any time with SetSettings.
//
// The engine plugs into the runtime through two methods:
//
//	eng, _ := policy.NewEngine(ctx, tel, policy.Settings{OverrideUsers: []string{"alice"}})
//	execManager.SetOverrideGuard(eng)              // AuthorizeOverride
//	runtime.Options{Admission: eng}                // AdmitStep
//
// Additional policies can be loaded from .rego files, or from .json and
// .yaml definitions, with LoadPolicies. A .rego file's target is taken from
// its package name (for example package busyrt.admission.quiet_hours).
package policy
