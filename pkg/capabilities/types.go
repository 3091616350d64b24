package capabilities

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// IOCategory classifies an input or output.
type IOCategory string

const (
	CategoryData         IOCategory = "data"
	CategoryDocument     IOCategory = "document"
	CategoryDecision     IOCategory = "decision"
	CategoryPhysical     IOCategory = "physical"
	CategoryNotification IOCategory = "notification"
	CategoryAlert        IOCategory = "alert"
	CategoryReport       IOCategory = "report"
)

// FieldSpec is one field of an input or output.
type FieldSpec struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Type     string `json:"type" yaml:"type" validate:"required"`
	Required bool   `json:"required" yaml:"required"`
}

// InputOutputSpec describes a named input or output of a capability.
type InputOutputSpec struct {
	Name     string      `json:"name" yaml:"name" validate:"required"`
	Category IOCategory  `json:"category" yaml:"category" validate:"required,oneof=data document decision physical notification alert report"`
	Format   string      `json:"format,omitempty" yaml:"format,omitempty"`
	Fields   []FieldSpec `json:"fields,omitempty" yaml:"fields,omitempty" validate:"dive"`
}

// CapabilityDefinition is an abstract unit of work with declared inputs and outputs.
type CapabilityDefinition struct {
	Name        string            `json:"name" yaml:"name" validate:"required"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Method      string            `json:"method,omitempty" yaml:"method,omitempty"`
	Inputs      []InputOutputSpec `json:"inputs,omitempty" yaml:"inputs,omitempty" validate:"dive"`
	Outputs     []InputOutputSpec `json:"outputs,omitempty" yaml:"outputs,omitempty" validate:"dive"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Provider    string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// MonitoringType says how a responsibility is watched.
type MonitoringType string

const (
	MonitoringContinuous  MonitoringType = "continuous"
	MonitoringPeriodic    MonitoringType = "periodic"
	MonitoringEventDriven MonitoringType = "event-driven"
)

// ResponsibilityDefinition is a capability that is held over time.
type ResponsibilityDefinition struct {
	CapabilityDefinition `yaml:",inline"`
	MonitoringType       MonitoringType `json:"monitoringType" yaml:"monitoringType" validate:"required,oneof=continuous periodic event-driven"`
}

// DefinitionKind distinguishes the two definition tables.
type DefinitionKind string

const (
	KindCapability     DefinitionKind = "capability"
	KindResponsibility DefinitionKind = "responsibility"
)

// Definition is the unified lookup view over both tables.
type Definition struct {
	Kind DefinitionKind `json:"kind"`
	CapabilityDefinition
	MonitoringType MonitoringType `json:"monitoringType,omitempty"`
}

// ProviderType is the kind of entity that fulfils capabilities.
type ProviderType string

const (
	ProviderRole     ProviderType = "role"
	ProviderTool     ProviderType = "tool"
	ProviderService  ProviderType = "service"
	ProviderExternal ProviderType = "external"
)

// Availability says when a provider can take work.
type Availability string

const (
	AvailabilityAlways    Availability = "always"
	AvailabilityScheduled Availability = "scheduled"
	AvailabilityOnDemand  Availability = "on-demand"
)

// CapabilityProvider is a concrete role, tool, service, or external system.
type CapabilityProvider struct {
	ID           string                 `json:"id" yaml:"id" validate:"required"`
	Name         string                 `json:"name" yaml:"name"`
	Type         ProviderType           `json:"type" yaml:"type" validate:"required,oneof=role tool service external"`
	Capabilities []string               `json:"capabilities" yaml:"capabilities"`
	Availability Availability           `json:"availability" yaml:"availability" validate:"required,oneof=always scheduled on-demand"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the provider against its struct tags.
func (p CapabilityProvider) Validate() error {
	return validate.Struct(p)
}

// Offers reports whether the provider advertises capability name.
func (p CapabilityProvider) Offers(name string) bool {
	for _, c := range p.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// ResolutionContext asks for a set of capabilities to be bound to providers.
type ResolutionContext struct {
	RequiredCapabilities []string               `json:"requiredCapabilities"`
	AvailableProviders   []string               `json:"availableProviders,omitempty"`
	Constraints          map[string]interface{} `json:"constraints,omitempty"`
	PreferredProvider    string                 `json:"preferredProvider,omitempty"`
}

// ResolvedCapability is one capability bound to its selected provider.
type ResolvedCapability struct {
	Capability string             `json:"capability"`
	Kind       DefinitionKind     `json:"kind"`
	Provider   CapabilityProvider `json:"provider"`
	Score      float64            `json:"score"`
	Preferred  bool               `json:"preferred,omitempty"`
}

// ConflictType classifies a resolution conflict.
type ConflictType string

const (
	// ConflictUnresolved means a capability has no definition or no candidate provider.
	ConflictUnresolved ConflictType = "unresolved"
	// ConflictOvercommit means a non-always provider was bound more than once.
	ConflictOvercommit ConflictType = "overcommit"
)

// Conflict is reported in a ResolutionResult rather than returned as an error.
type Conflict struct {
	Type         ConflictType `json:"type"`
	Capabilities []string     `json:"capabilities"`
	Providers    []string     `json:"providers,omitempty"`
	Message      string       `json:"message"`
	Resolution   string       `json:"resolution,omitempty"`
}

// ResolutionResult is the outcome of ResolveCapabilities. Success is false
// whenever any conflict was detected.
type ResolutionResult struct {
	Success   bool                 `json:"success"`
	Resolved  []ResolvedCapability `json:"resolved"`
	Conflicts []Conflict           `json:"conflicts,omitempty"`
	Warnings  []string             `json:"warnings,omitempty"`
	Cached    bool                 `json:"cached"`
}

// Binding returns the provider bound to capability, if any.
func (r *ResolutionResult) Binding(capability string) (CapabilityProvider, bool) {
	for _, rc := range r.Resolved {
		if rc.Capability == capability {
			return rc.Provider, true
		}
	}
	return CapabilityProvider{}, false
}

func cloneProvider(p CapabilityProvider) CapabilityProvider {
	out := p
	out.Capabilities = append([]string(nil), p.Capabilities...)
	if p.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func cloneResult(r *ResolutionResult) *ResolutionResult {
	out := &ResolutionResult{
		Success:  r.Success,
		Resolved: make([]ResolvedCapability, len(r.Resolved)),
		Warnings: append([]string(nil), r.Warnings...),
		Cached:   r.Cached,
	}
	for i, rc := range r.Resolved {
		out.Resolved[i] = rc
		out.Resolved[i].Provider = cloneProvider(rc.Provider)
	}
	if r.Conflicts != nil {
		out.Conflicts = make([]Conflict, len(r.Conflicts))
		for i, c := range r.Conflicts {
			out.Conflicts[i] = c
			out.Conflicts[i].Capabilities = append([]string(nil), c.Capabilities...)
			out.Conflicts[i].Providers = append([]string(nil), c.Providers...)
		}
	}
	return out
}
