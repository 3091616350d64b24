package resources

import (
	"time"
)

// ResourceDefinition describes a named resource that steps can be bound to.
type ResourceDefinition struct {
	// Name is the unique key of the resource.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Extends names a previously registered parent whose characteristics
	// are merged under this resource's own.
	Extends string `json:"extends,omitempty" yaml:"extends,omitempty"`

	// Characteristics is an open key/value description of the resource.
	Characteristics map[string]interface{} `json:"characteristics,omitempty" yaml:"characteristics,omitempty"`
}

// PriorityType is the kind of a priority chain tier.
type PriorityType string

const (
	// PrioritySpecific binds an exact resource by name.
	PrioritySpecific PriorityType = "specific"
	// PriorityCharacteristics binds any resource matching a query.
	PriorityCharacteristics PriorityType = "characteristics"
	// PriorityEmergency is a characteristics tier whose use must be surfaced.
	PriorityEmergency PriorityType = "emergency"
)

// Weight returns the priority weight recorded on allocations from this tier.
func (p PriorityType) Weight() int {
	switch p {
	case PrioritySpecific:
		return 10
	case PriorityCharacteristics:
		return 5
	case PriorityEmergency:
		return 1
	default:
		return 0
	}
}

// PriorityItem is one tier of a requirement's priority chain.
type PriorityItem struct {
	Type            PriorityType           `json:"type" yaml:"type" validate:"required,oneof=specific characteristics emergency"`
	Resource        string                 `json:"resource,omitempty" yaml:"resource,omitempty"`
	Characteristics map[string]interface{} `json:"characteristics,omitempty" yaml:"characteristics,omitempty"`
	Warning         string                 `json:"warning,omitempty" yaml:"warning,omitempty"`
}

// ResourceRequirement is the logical resource a step asks for.
type ResourceRequirement struct {
	// Name is the role the step requests, not necessarily a resource name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Characteristics is the baseline used to suggest alternatives on failure.
	Characteristics map[string]interface{} `json:"characteristics,omitempty" yaml:"characteristics,omitempty"`

	// Priority is tried top to bottom; the first tier with an available candidate wins.
	Priority []PriorityItem `json:"priority" yaml:"priority" validate:"required,min=1,dive"`
}

// AllocatedResource is a live binding of a requirement to a resource.
type AllocatedResource struct {
	Name        string             `json:"name"`
	Resource    ResourceDefinition `json:"resource"`
	Handle      string             `json:"handle"`
	AllocatedAt time.Time          `json:"allocated_at"`
	StepID      string             `json:"step_id"`
	Priority    int                `json:"priority"`
	Tier        PriorityType       `json:"tier"`
	Warning     string             `json:"warning,omitempty"`
}

// AllocationFailure explains why one requirement could not be bound.
type AllocationFailure struct {
	Requirement  string   `json:"requirement"`
	Reason       string   `json:"reason"`
	Busy         bool     `json:"busy"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// Failure reasons reported on AllocationFailure.
const (
	ReasonAllBusy = "All matching resources are busy"
	ReasonNoMatch = "No matching resources found"

	// ReasonDuplicate marks a second requirement with a name already
	// bound in the same call.
	ReasonDuplicate = "Duplicate requirement name"
)

// AllocationResult is the outcome of AllocateResources. Success is true iff
// Failures is empty. Requirements that did bind stay bound even when others
// failed; the caller decides whether to release them.
type AllocationResult struct {
	Success   bool                `json:"success"`
	Allocated []AllocatedResource `json:"allocated"`
	Failures  []AllocationFailure `json:"failures,omitempty"`
	Warnings  []string            `json:"warnings,omitempty"`
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationAllocated ReservationStatus = "allocated"
	ReservationExpired   ReservationStatus = "expired"
	ReservationReleased  ReservationStatus = "released"
)

// ResourceReservation is a time-boxed hold on a future allocation.
type ResourceReservation struct {
	ID           string                `json:"id"`
	StepID       string                `json:"step_id"`
	Requirements []ResourceRequirement `json:"requirements"`
	ReservedAt   time.Time             `json:"reserved_at"`
	ExpiresAt    time.Time             `json:"expires_at"`
	Status       ReservationStatus     `json:"status"`
}

// UtilizationStats summarizes the allocation table.
type UtilizationStats struct {
	TotalResources     int            `json:"total_resources"`
	AllocatedResources int            `json:"allocated_resources"`
	AvailableResources int            `json:"available_resources"`
	UtilizationRate    float64        `json:"utilization_rate"`
	ByType             map[string]int `json:"by_type"`
}

// DefaultReservationTTL is used when ReserveResources is given no TTL.
const DefaultReservationTTL = 15 * time.Minute

// DefaultReservationRetention is how long expired and released
// reservations stay listed before they are dropped.
const DefaultReservationRetention = time.Hour

func cloneDefinition(def ResourceDefinition) ResourceDefinition {
	out := def
	if def.Characteristics != nil {
		out.Characteristics = make(map[string]interface{}, len(def.Characteristics))
		for k, v := range def.Characteristics {
			out.Characteristics[k] = v
		}
	}
	return out
}
