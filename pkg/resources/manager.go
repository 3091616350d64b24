package resources

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// maxAlternatives caps the suggestions attached to a failed requirement.
const maxAlternatives = 5

type registeredResource struct {
	def   ResourceDefinition
	order int
}

type allocationKey struct {
	stepID      string
	requirement string
}

// Manager owns resource definitions, live allocations, and reservations.
// The allocation table is guarded by a single mutex so the availability
// check and the claim happen atomically across concurrent playbooks.
type Manager struct {
	mu sync.RWMutex

	// definitions maps resource names to their merged definitions
	definitions map[string]*registeredResource
	nextOrder   int

	// allocations maps (step, requirement) to the bound resource
	allocations map[allocationKey]*AllocatedResource

	// reservations maps reservation ids to reservations
	reservations map[string]*ResourceReservation

	scheduler  *TaskScheduler
	defaultTTL time.Duration
	retention  time.Duration
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	events     *telemetry.EventBus
	now        func() time.Time
}

// NewManager creates a resource manager. A nil tel disables instrumentation.
func NewManager(tel *telemetry.Telemetry) *Manager {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Manager{
		definitions:  make(map[string]*registeredResource),
		allocations:  make(map[allocationKey]*AllocatedResource),
		reservations: make(map[string]*ResourceReservation),
		scheduler:    NewTaskScheduler(),
		defaultTTL:   DefaultReservationTTL,
		retention:    DefaultReservationRetention,
		logger:       tel.Logger.NewComponentLogger("resource-manager"),
		metrics:      tel.Metrics,
		events:       tel.Events,
		now:          time.Now,
	}
}

// RegisterResource stores a definition, merging the characteristics of its
// already-registered parent underneath its own. Re-registering a name
// replaces the previous definition.
func (m *Manager) RegisterResource(def ResourceDefinition) error {
	if def.Name == "" {
		return engine.NewDefinitionError("", "resource definition has no name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	merged := make(map[string]interface{})
	if def.Extends != "" {
		parent, ok := m.definitions[def.Extends]
		if !ok {
			return engine.NewDefinitionError(def.Name,
				fmt.Sprintf("extends unknown resource %q", def.Extends))
		}
		for k, v := range parent.def.Characteristics {
			merged[k] = v
		}
	}
	for k, v := range def.Characteristics {
		merged[k] = v
	}

	stored := ResourceDefinition{
		Name:            def.Name,
		Extends:         def.Extends,
		Characteristics: merged,
	}

	if existing, ok := m.definitions[def.Name]; ok {
		existing.def = stored
	} else {
		m.definitions[def.Name] = &registeredResource{def: stored, order: m.nextOrder}
		m.nextOrder++
	}

	m.logger.Debugf("Registered resource %s", def.Name)
	return nil
}

// GetResource returns a copy of the named definition.
func (m *Manager) GetResource(name string) (ResourceDefinition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.definitions[name]
	if !ok {
		return ResourceDefinition{}, false
	}
	return cloneDefinition(r.def), true
}

// ListResources returns every definition in registration order.
func (m *Manager) ListResources() []ResourceDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ordered := m.orderedLocked()
	out := make([]ResourceDefinition, len(ordered))
	for i, r := range ordered {
		out[i] = cloneDefinition(r.def)
	}
	return out
}

// AllocateResources compiles and allocates requirements for a step.
// A malformed requirement fails the whole call before anything is bound.
func (m *Manager) AllocateResources(stepID string, reqs []ResourceRequirement) (*AllocationResult, error) {
	compiled, err := CompileAll(reqs)
	if err != nil {
		return nil, err
	}
	return m.AllocateCompiled(stepID, compiled), nil
}

// AllocateCompiled walks each requirement's priority chain and binds the
// first available candidate. Requirements that bind stay bound even when a
// later one fails.
func (m *Manager) AllocateCompiled(stepID string, reqs []*CompiledRequirement) *AllocationResult {
	result := &AllocationResult{
		Allocated: make([]AllocatedResource, 0, len(reqs)),
	}

	seen := make(map[string]bool, len(reqs))

	m.mu.Lock()
	for _, req := range reqs {
		if seen[req.Name] {
			result.Failures = append(result.Failures, AllocationFailure{Requirement: req.Name, Reason: ReasonDuplicate})
			continue
		}
		seen[req.Name] = true
		alloc, failure := m.allocateOneLocked(stepID, req)
		if failure != nil {
			result.Failures = append(result.Failures, *failure)
			m.metrics.RecordAllocation("none", failureOutcome(failure))
			continue
		}
		result.Allocated = append(result.Allocated, *alloc)
		if alloc.Warning != "" {
			result.Warnings = append(result.Warnings, alloc.Warning)
		}
		m.metrics.RecordAllocation(string(alloc.Tier), "allocated")
	}
	result.Success = len(result.Failures) == 0

	if len(result.Allocated) > 0 {
		m.claimReservationsLocked(stepID)
	}
	live := len(m.allocations)
	m.mu.Unlock()

	m.metrics.SetAllocatedResources(live)

	logger := m.logger.WithStepID(stepID)
	for _, f := range result.Failures {
		logger.Warnf("Requirement %s not allocated: %s", f.Requirement, f.Reason)
	}
	for _, w := range result.Warnings {
		logger.Warn(w)
	}

	if len(result.Allocated) > 0 {
		names := make([]string, len(result.Allocated))
		for i, a := range result.Allocated {
			names[i] = a.Resource.Name
		}
		m.events.Publish(telemetry.Event{
			Type:    telemetry.EventResourcesAllocated,
			Source:  "resource-manager",
			StepID:  stepID,
			Message: fmt.Sprintf("Allocated %d resource(s) to step %s", len(names), stepID),
			Data: map[string]interface{}{
				"resources": names,
				"success":   result.Success,
				"warnings":  append([]string(nil), result.Warnings...),
			},
		})
	}

	return result
}

func failureOutcome(f *AllocationFailure) string {
	if f.Reason == ReasonDuplicate {
		return "duplicate"
	}
	if f.Busy {
		return "busy"
	}
	return "no_match"
}

// allocateOneLocked resolves a single requirement. Caller holds m.mu.
func (m *Manager) allocateOneLocked(stepID string, req *CompiledRequirement) (*AllocatedResource, *AllocationFailure) {
	sawCandidates := false

	for _, tier := range req.Tiers {
		candidates := m.candidatesLocked(tier)
		if len(candidates) > 0 {
			sawCandidates = true
		}

		for _, c := range candidates {
			if m.isAllocatedLocked(c.def.Name) {
				continue
			}

			alloc := &AllocatedResource{
				Name:        req.Name,
				Resource:    cloneDefinition(c.def),
				Handle:      uuid.New().String(),
				AllocatedAt: m.now(),
				StepID:      stepID,
				Priority:    tier.Type.Weight(),
				Tier:        tier.Type,
			}
			if tier.Type == PriorityEmergency {
				alloc.Warning = tier.Warning
				if alloc.Warning == "" {
					alloc.Warning = fmt.Sprintf("Emergency resource %s used for requirement %s", c.def.Name, req.Name)
				}
			}

			m.allocations[allocationKey{stepID: stepID, requirement: req.Name}] = alloc
			return alloc, nil
		}
	}

	failure := &AllocationFailure{
		Requirement:  req.Name,
		Reason:       ReasonNoMatch,
		Busy:         sawCandidates,
		Alternatives: m.alternativesLocked(req.Baseline),
	}
	if sawCandidates {
		failure.Reason = ReasonAllBusy
	}
	return nil, failure
}

// candidatesLocked returns the tier's candidates, best score first with
// registration order breaking ties.
func (m *Manager) candidatesLocked(tier CompiledTier) []*registeredResource {
	if tier.Type == PrioritySpecific {
		if r, ok := m.definitions[tier.Resource]; ok {
			return []*registeredResource{r}
		}
		return nil
	}

	var matched []*registeredResource
	for _, r := range m.orderedLocked() {
		if tier.Query.Matches(r.def.Characteristics) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return tier.Query.Score(matched[i].def.Characteristics) > tier.Query.Score(matched[j].def.Characteristics)
	})
	return matched
}

func (m *Manager) alternativesLocked(baseline Query) []string {
	if len(baseline) == 0 {
		return nil
	}

	type scored struct {
		name  string
		score int
	}
	var all []scored
	for _, r := range m.orderedLocked() {
		if s := baseline.Score(r.def.Characteristics); s > 0 {
			all = append(all, scored{name: r.def.Name, score: s})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })

	if len(all) > maxAlternatives {
		all = all[:maxAlternatives]
	}
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.name
	}
	return out
}

func (m *Manager) isAllocatedLocked(name string) bool {
	for _, a := range m.allocations {
		if a.Resource.Name == name {
			return true
		}
	}
	return false
}

func (m *Manager) orderedLocked() []*registeredResource {
	out := make([]*registeredResource, 0, len(m.definitions))
	for _, r := range m.definitions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// ReleaseResources removes every allocation owned by stepID and returns
// what was released. Releasing a step with nothing allocated is a no-op.
func (m *Manager) ReleaseResources(stepID string) []AllocatedResource {
	m.mu.Lock()
	var released []AllocatedResource
	for key, a := range m.allocations {
		if key.stepID == stepID {
			released = append(released, *a)
			delete(m.allocations, key)
		}
	}
	for _, r := range m.reservations {
		if r.StepID == stepID && (r.Status == ReservationPending || r.Status == ReservationAllocated) {
			m.scheduler.Cancel(r.ID)
			r.Status = ReservationReleased
			m.schedulePurgeLocked(r.ID)
			m.metrics.RecordReservation(string(ReservationReleased))
		}
	}
	live := len(m.allocations)
	m.mu.Unlock()

	m.metrics.SetAllocatedResources(live)

	if len(released) == 0 {
		return nil
	}

	sort.Slice(released, func(i, j int) bool { return released[i].Name < released[j].Name })
	names := make([]string, len(released))
	for i, a := range released {
		names[i] = a.Resource.Name
	}
	m.logger.WithStepID(stepID).Debugf("Released %d resource(s)", len(released))
	m.events.Publish(telemetry.Event{
		Type:    telemetry.EventResourcesReleased,
		Source:  "resource-manager",
		StepID:  stepID,
		Message: fmt.Sprintf("Released %d resource(s) from step %s", len(released), stepID),
		Data:    map[string]interface{}{"resources": names},
	})
	return released
}

// ListAllocations returns live allocations, optionally only those of stepID.
func (m *Manager) ListAllocations(stepID string) []AllocatedResource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AllocatedResource, 0, len(m.allocations))
	for key, a := range m.allocations {
		if stepID == "" || key.stepID == stepID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepID != out[j].StepID {
			return out[i].StepID < out[j].StepID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// GetUtilizationStats summarizes the allocation table.
func (m *Manager) GetUtilizationStats() UtilizationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := UtilizationStats{
		TotalResources:     len(m.definitions),
		AllocatedResources: len(m.allocations),
		ByType:             make(map[string]int),
	}
	stats.AvailableResources = stats.TotalResources - stats.AllocatedResources
	if stats.AvailableResources < 0 {
		stats.AvailableResources = 0
	}
	if stats.TotalResources > 0 {
		stats.UtilizationRate = float64(stats.AllocatedResources) / float64(stats.TotalResources)
	}

	for _, a := range m.allocations {
		typ := "unknown"
		if v, ok := a.Resource.Characteristics["type"]; ok && v != nil {
			typ = fmt.Sprint(v)
		}
		stats.ByType[typ]++
	}
	return stats
}

// Close cancels all pending reservation timers.
func (m *Manager) Close() {
	m.scheduler.Close()
}
