package capabilities

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// lowScoreThreshold is the winning score below which a warning is emitted.
const lowScoreThreshold = 0.7

// Resolver binds abstract capability names to concrete providers.
// Any registration clears the whole resolution cache.
type Resolver struct {
	mu               sync.RWMutex
	capabilities     map[string]CapabilityDefinition
	responsibilities map[string]ResponsibilityDefinition
	providers        map[string]CapabilityProvider
	providerOrder    []string

	cacheMu  sync.Mutex
	cache    map[string]*ResolutionResult
	cacheGen uint64

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventBus
}

// NewResolver creates an empty resolver. A nil tel disables instrumentation.
func NewResolver(tel *telemetry.Telemetry) *Resolver {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Resolver{
		capabilities:     make(map[string]CapabilityDefinition),
		responsibilities: make(map[string]ResponsibilityDefinition),
		providers:        make(map[string]CapabilityProvider),
		cache:            make(map[string]*ResolutionResult),
		logger:           tel.Logger.NewComponentLogger("capability-resolver"),
		metrics:          tel.Metrics,
		events:           tel.Events,
	}
}

// RegisterCapability stores a capability definition.
func (r *Resolver) RegisterCapability(def CapabilityDefinition) error {
	if err := validate.Struct(def); err != nil {
		return engine.NewDefinitionError(def.Name, fmt.Sprintf("invalid capability definition: %v", err))
	}
	r.mu.Lock()
	r.capabilities[def.Name] = def
	r.mu.Unlock()

	r.ClearCache()
	r.logger.Debugf("Registered capability %s", def.Name)
	return nil
}

// RegisterResponsibility stores a responsibility definition.
func (r *Resolver) RegisterResponsibility(def ResponsibilityDefinition) error {
	if err := validate.Struct(def); err != nil {
		return engine.NewDefinitionError(def.Name, fmt.Sprintf("invalid responsibility definition: %v", err))
	}

	r.mu.Lock()
	r.responsibilities[def.Name] = def
	r.mu.Unlock()

	r.ClearCache()
	r.logger.Debugf("Registered responsibility %s", def.Name)
	return nil
}

// RegisterProvider stores a provider. Re-registering an id replaces it.
func (r *Resolver) RegisterProvider(p CapabilityProvider) error {
	if err := p.Validate(); err != nil {
		return engine.NewDefinitionError(p.ID, fmt.Sprintf("invalid provider: %v", err))
	}

	r.mu.Lock()
	if _, exists := r.providers[p.ID]; !exists {
		r.providerOrder = append(r.providerOrder, p.ID)
	}
	r.providers[p.ID] = cloneProvider(p)
	r.mu.Unlock()

	r.ClearCache()
	r.logger.Debugf("Registered provider %s (%s, %s)", p.ID, p.Type, p.Availability)
	return nil
}

// ClearCache drops every cached resolution. Resolutions already in flight
// are not cached when they finish.
func (r *Resolver) ClearCache() {
	r.cacheMu.Lock()
	r.cache = make(map[string]*ResolutionResult)
	r.cacheGen++
	r.cacheMu.Unlock()
}

// storeResult caches result unless the cache was cleared since gen was
// read. It reports whether the result was stored.
func (r *Resolver) storeResult(key string, gen uint64, result *ResolutionResult) bool {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.cacheGen != gen {
		return false
	}
	r.cache[key] = cloneResult(result)
	return true
}

// GetDefinition looks a name up in the capability table, then the
// responsibility table.
func (r *Resolver) GetDefinition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(name)
}

func (r *Resolver) lookupLocked(name string) (Definition, bool) {
	if c, ok := r.capabilities[name]; ok {
		return Definition{Kind: KindCapability, CapabilityDefinition: c}, true
	}
	if resp, ok := r.responsibilities[name]; ok {
		return Definition{
			Kind:                 KindResponsibility,
			CapabilityDefinition: resp.CapabilityDefinition,
			MonitoringType:       resp.MonitoringType,
		}, true
	}
	return Definition{}, false
}

// GetProvider returns a copy of a registered provider.
func (r *Resolver) GetProvider(id string) (CapabilityProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return CapabilityProvider{}, false
	}
	return cloneProvider(p), true
}

// ListProviders returns every provider in registration order.
func (r *Resolver) ListProviders() []CapabilityProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CapabilityProvider, 0, len(r.providerOrder))
	for _, id := range r.providerOrder {
		out = append(out, cloneProvider(r.providers[id]))
	}
	return out
}

// cacheKey canonicalizes a context: names and provider ids are sorted, and
// encoding/json sorts constraint keys.
func cacheKey(ctx ResolutionContext) (string, error) {
	required := append([]string(nil), ctx.RequiredCapabilities...)
	sort.Strings(required)
	providers := append([]string(nil), ctx.AvailableProviders...)
	sort.Strings(providers)

	b, err := json.Marshal(struct {
		R []string               `json:"r"`
		P []string               `json:"p"`
		C map[string]interface{} `json:"c"`
		F string                 `json:"f"`
	}{required, providers, ctx.Constraints, ctx.PreferredProvider})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ResolveCapabilities binds each required capability to the best provider
// among AvailableProviders (every registered provider when empty), then
// checks the bindings for overcommitted providers. Conflicts are reported in
// the result; only an unencodable context returns an error.
func (r *Resolver) ResolveCapabilities(ctx ResolutionContext) (*ResolutionResult, error) {
	key, err := cacheKey(ctx)
	if err != nil {
		return nil, engine.NewPermanentError("resolution context cannot be encoded", err).
			WithCode(engine.ErrCodeValidation)
	}

	r.cacheMu.Lock()
	if cached, ok := r.cache[key]; ok {
		out := cloneResult(cached)
		r.cacheMu.Unlock()
		out.Cached = true
		r.metrics.RecordResolution(true)
		return out, nil
	}
	gen := r.cacheGen
	r.cacheMu.Unlock()

	r.mu.RLock()
	result := r.resolveLocked(ctx)
	r.mu.RUnlock()

	r.storeResult(key, gen, result)

	r.metrics.RecordResolution(false)
	for _, c := range result.Conflicts {
		r.metrics.RecordCapabilityConflict(string(c.Type))
	}
	for _, w := range result.Warnings {
		r.logger.Warn(w)
	}

	r.events.Publish(telemetry.Event{
		Type:    telemetry.EventCapabilitiesResolved,
		Source:  "capability-resolver",
		Message: fmt.Sprintf("Resolved %d of %d capabilities", len(result.Resolved), len(ctx.RequiredCapabilities)),
		Level:   levelFor(result),
		Data: map[string]interface{}{
			"success":   result.Success,
			"resolved":  len(result.Resolved),
			"conflicts": len(result.Conflicts),
		},
	})

	return result, nil
}

func levelFor(result *ResolutionResult) string {
	if !result.Success {
		return telemetry.EventLevelWarning
	}
	return telemetry.EventLevelInfo
}

func (r *Resolver) resolveLocked(ctx ResolutionContext) *ResolutionResult {
	result := &ResolutionResult{Resolved: make([]ResolvedCapability, 0, len(ctx.RequiredCapabilities))}
	pool := r.candidatePoolLocked(ctx.AvailableProviders)

	for _, name := range ctx.RequiredCapabilities {
		def, ok := r.lookupLocked(name)
		if !ok {
			result.Conflicts = append(result.Conflicts, Conflict{
				Type:         ConflictUnresolved,
				Capabilities: []string{name},
				Message:      fmt.Sprintf("Capability %s is not defined", name),
				Resolution:   fmt.Sprintf("Register a capability or responsibility named %s", name),
			})
			continue
		}

		var candidates []CapabilityProvider
		for _, p := range pool {
			if p.Offers(name) {
				candidates = append(candidates, p)
			}
		}
		if len(candidates) == 0 {
			result.Conflicts = append(result.Conflicts, Conflict{
				Type:         ConflictUnresolved,
				Capabilities: []string{name},
				Message:      fmt.Sprintf("No available provider offers %s", name),
				Resolution:   fmt.Sprintf("Make a provider offering %s available", name),
			})
			continue
		}

		chosen, score, preferred := selectProvider(candidates, ctx)
		if score < lowScoreThreshold {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("Low confidence binding of %s to %s (score %.2f)", name, chosen.ID, score))
		}
		result.Resolved = append(result.Resolved, ResolvedCapability{
			Capability: name,
			Kind:       def.Kind,
			Provider:   cloneProvider(chosen),
			Score:      score,
			Preferred:  preferred,
		})
	}

	result.Conflicts = append(result.Conflicts, detectOvercommit(result.Resolved)...)
	result.Success = len(result.Conflicts) == 0
	return result
}

// candidatePoolLocked returns the providers named by ids in the given order,
// skipping unknown and duplicate ids, or every provider when ids is empty.
func (r *Resolver) candidatePoolLocked(ids []string) []CapabilityProvider {
	if len(ids) == 0 {
		ids = r.providerOrder
	}
	seen := make(map[string]bool, len(ids))
	pool := make([]CapabilityProvider, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := r.providers[id]; ok {
			pool = append(pool, p)
		}
	}
	return pool
}

// selectProvider returns the preferred provider when it is a candidate,
// else the highest scoring one; earlier candidates win ties.
func selectProvider(candidates []CapabilityProvider, ctx ResolutionContext) (CapabilityProvider, float64, bool) {
	if ctx.PreferredProvider != "" {
		for _, p := range candidates {
			if p.ID == ctx.PreferredProvider {
				return p, ScoreProvider(p, ctx.Constraints), true
			}
		}
	}

	best := candidates[0]
	bestScore := ScoreProvider(best, ctx.Constraints)
	for _, p := range candidates[1:] {
		if s := ScoreProvider(p, ctx.Constraints); s > bestScore {
			best, bestScore = p, s
		}
	}
	return best, bestScore, false
}

// ScoreProvider rates a provider for a binding. The score starts at 0.5,
// adds availability and type bonuses plus 0.1 per constraint the provider's
// metadata satisfies, and is clamped to 1.0.
func ScoreProvider(p CapabilityProvider, constraints map[string]interface{}) float64 {
	score := 0.5

	switch p.Availability {
	case AvailabilityAlways:
		score += 0.3
	case AvailabilityOnDemand:
		score += 0.2
	case AvailabilityScheduled:
		score += 0.1
	}

	switch p.Type {
	case ProviderRole, ProviderService:
		score += 0.1
	case ProviderTool:
		score += 0.05
	case ProviderExternal:
		score += 0.02
	}

	for k, want := range constraints {
		if got, ok := p.Metadata[k]; ok && metadataEqual(want, got) {
			score += 0.1
		}
	}

	// Round away float noise so 0.5+0.3+0.1 compares equal to 0.9.
	return math.Min(1.0, math.Round(score*1000)/1000)
}

func metadataEqual(want, got interface{}) bool {
	wf, wok := number(want)
	gf, gok := number(got)
	if wok && gok {
		return wf == gf
	}
	return reflect.DeepEqual(want, got)
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// detectOvercommit flags providers that are not always available but were
// bound to more than one capability.
func detectOvercommit(resolved []ResolvedCapability) []Conflict {
	byProvider := make(map[string][]string)
	var order []string
	providers := make(map[string]CapabilityProvider)
	for _, rc := range resolved {
		id := rc.Provider.ID
		if _, ok := byProvider[id]; !ok {
			order = append(order, id)
		}
		byProvider[id] = append(byProvider[id], rc.Capability)
		providers[id] = rc.Provider
	}

	var conflicts []Conflict
	for _, id := range order {
		caps := byProvider[id]
		p := providers[id]
		if len(caps) <= 1 || p.Availability == AvailabilityAlways {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Type:         ConflictOvercommit,
			Capabilities: caps,
			Providers:    []string{id},
			Message:      fmt.Sprintf("Provider %s (%s) is bound to %d capabilities", id, p.Availability, len(caps)),
			Resolution:   "Serialize the work or make another provider available",
		})
	}
	return conflicts
}
