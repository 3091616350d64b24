package runtime

import (
	"context"
	"time"

	"github.com/busyhq/busyrt/pkg/capabilities"
	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/execution"
	"github.com/busyhq/busyrt/pkg/resources"
)

// StepDefinition is one step of a playbook as produced by the definition
// compiler.
type StepDefinition struct {
	Name   string `json:"name" yaml:"name" validate:"required"`
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Implementation names the algorithmic code for the step. When set it
	// must be registered before the playbook starts.
	Implementation string `json:"implementation,omitempty" yaml:"implementation,omitempty"`

	// ExecutionTypes restricts the policy chain for this step.
	ExecutionTypes []engine.ExecutionType `json:"executionTypes,omitempty" yaml:"executionTypes,omitempty"`

	// Inputs are static inputs; they win over the rolling playbook context.
	Inputs map[string]interface{} `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	Requirements []resources.ResourceRequirement `json:"requirements,omitempty" yaml:"requirements,omitempty" validate:"dive"`

	// Capabilities are resolved to providers before resources are allocated.
	Capabilities       []string               `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	AvailableProviders []string               `json:"availableProviders,omitempty" yaml:"availableProviders,omitempty"`
	Constraints        map[string]interface{} `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	PreferredProvider  string                 `json:"preferredProvider,omitempty" yaml:"preferredProvider,omitempty"`
}

// PlaybookDefinition is an ordered list of steps.
type PlaybookDefinition struct {
	Name        string           `json:"name" yaml:"name" validate:"required"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// DefinitionSource maps a playbook name to its definition.
type DefinitionSource interface {
	GetPlaybook(name string) (*PlaybookDefinition, error)
}

// ExecutionRepository persists playbook executions.
type ExecutionRepository interface {
	SaveExecution(ctx context.Context, exec *PlaybookExecution) error
	GetExecution(ctx context.Context, id string) (*PlaybookExecution, error)
	ListExecutions(ctx context.Context, limit int) ([]*PlaybookExecution, error)
}

// AdmissionGuard decides whether a step may be dispatched once its
// resources are bound. The input carries playbook, step, allocations and
// bindings.
type AdmissionGuard interface {
	AdmitStep(ctx context.Context, input map[string]interface{}) error
}

// StepExecution is the record of one step within a playbook execution.
type StepExecution struct {
	ID                 string                          `json:"id"`
	Name               string                          `json:"name"`
	Status             engine.StepStatus               `json:"status"`
	Method             string                          `json:"method,omitempty"`
	Inputs             map[string]interface{}          `json:"inputs,omitempty"`
	Outputs            map[string]interface{}          `json:"outputs,omitempty"`
	Requirements       []resources.ResourceRequirement `json:"requirements,omitempty"`
	AllocatedResources []resources.AllocatedResource   `json:"allocatedResources,omitempty"`
	Bindings           map[string]string               `json:"bindings,omitempty"`
	ExecutionResult    *execution.Result               `json:"executionResult,omitempty"`
	StartTime          *time.Time                      `json:"startTime,omitempty"`
	EndTime            *time.Time                      `json:"endTime,omitempty"`
	Warnings           []string                        `json:"warnings,omitempty"`
	Errors             []string                        `json:"errors,omitempty"`
}

// PlaybookExecution is the record of one playbook run.
type PlaybookExecution struct {
	ID           string                 `json:"id"`
	PlaybookName string                 `json:"playbookName"`
	Status       engine.PlaybookStatus  `json:"status"`
	CurrentStep  int                    `json:"currentStep"`
	StartTime    time.Time              `json:"startTime"`
	EndTime      *time.Time             `json:"endTime,omitempty"`
	Inputs       map[string]interface{} `json:"inputs,omitempty"`
	Outputs      map[string]interface{} `json:"outputs"`
	Steps        []*StepExecution       `json:"steps"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

// Duration returns the elapsed time, up to now for unfinished executions.
func (e *PlaybookExecution) Duration() time.Duration {
	if e.EndTime != nil {
		return e.EndTime.Sub(e.StartTime)
	}
	return time.Since(e.StartTime)
}

// Clone returns a copy that shares no maps or slices with e.
func (e *PlaybookExecution) Clone() *PlaybookExecution {
	out := *e
	out.EndTime = copyTime(e.EndTime)
	out.Inputs = copyMap(e.Inputs)
	out.Outputs = copyMap(e.Outputs)
	out.Metadata = copyMap(e.Metadata)
	out.Steps = make([]*StepExecution, len(e.Steps))
	for i, s := range e.Steps {
		out.Steps[i] = s.Clone()
	}
	return &out
}

// Clone returns a copy that shares no maps or slices with s.
func (s *StepExecution) Clone() *StepExecution {
	out := *s
	out.Inputs = copyMap(s.Inputs)
	out.Outputs = copyMap(s.Outputs)
	out.Requirements = append([]resources.ResourceRequirement(nil), s.Requirements...)
	out.AllocatedResources = append([]resources.AllocatedResource(nil), s.AllocatedResources...)
	if s.Bindings != nil {
		out.Bindings = make(map[string]string, len(s.Bindings))
		for k, v := range s.Bindings {
			out.Bindings[k] = v
		}
	}
	if s.ExecutionResult != nil {
		r := *s.ExecutionResult
		r.Outputs = copyMap(r.Outputs)
		r.Logs = append([]string(nil), r.Logs...)
		out.ExecutionResult = &r
	}
	out.StartTime = copyTime(s.StartTime)
	out.EndTime = copyTime(s.EndTime)
	out.Warnings = append([]string(nil), s.Warnings...)
	out.Errors = append([]string(nil), s.Errors...)
	return &out
}

// RuntimeStats is a point-in-time snapshot of the runtime.
type RuntimeStats struct {
	ActiveExecutions    int                             `json:"activeExecutions"`
	CompletedExecutions int                             `json:"completedExecutions"`
	FailedExecutions    int                             `json:"failedExecutions"`
	PendingHumanTasks   int                             `json:"pendingHumanTasks"`
	Resources           resources.UtilizationStats      `json:"resources"`
	Reservations        []resources.ResourceReservation `json:"reservations,omitempty"`
	Marketplace         capabilities.MarketplaceInfo    `json:"marketplace"`
	Policy              execution.Policy                `json:"policy"`
	Strategies          []engine.ExecutionType          `json:"strategies"`
}

// ConfigUpdate is a partial runtime configuration. Nil fields are left
// unchanged.
type ConfigUpdate struct {
	Policy       *execution.PolicyUpdate `json:"policy,omitempty"`
	HistoryLimit *int                    `json:"historyLimit,omitempty"`
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
