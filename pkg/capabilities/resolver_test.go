package capabilities

import (
	"testing"
	"time"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

func setupTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r := NewResolver(telemetry.NewNop())

	for _, name := range []string{"review-contract", "sign-contract", "file-contract"} {
		if err := r.RegisterCapability(CapabilityDefinition{Name: name, Description: "Contract work: " + name}); err != nil {
			t.Fatalf("Failed to register %s: %v", name, err)
		}
	}
	if err := r.RegisterResponsibility(ResponsibilityDefinition{
		CapabilityDefinition: CapabilityDefinition{Name: "monitor-inbox", Description: "Watch the shared inbox"},
		MonitoringType:       MonitoringContinuous,
	}); err != nil {
		t.Fatalf("Failed to register responsibility: %v", err)
	}
	return r
}

func mustProvider(t *testing.T, r *Resolver, p CapabilityProvider) {
	t.Helper()
	if err := r.RegisterProvider(p); err != nil {
		t.Fatalf("Failed to register provider %s: %v", p.ID, err)
	}
}

func TestScoreProvider(t *testing.T) {
	tests := []struct {
		name        string
		provider    CapabilityProvider
		constraints map[string]interface{}
		want        float64
	}{
		{"always role", CapabilityProvider{Type: ProviderRole, Availability: AvailabilityAlways}, nil, 0.9},
		{"on-demand tool", CapabilityProvider{Type: ProviderTool, Availability: AvailabilityOnDemand}, nil, 0.75},
		{"scheduled external", CapabilityProvider{Type: ProviderExternal, Availability: AvailabilityScheduled}, nil, 0.62},
		{"constraint bonus", CapabilityProvider{
			Type: ProviderService, Availability: AvailabilityScheduled,
			Metadata: map[string]interface{}{"region": "eu", "tier": 2},
		}, map[string]interface{}{"region": "eu", "tier": 2.0, "lang": "fr"}, 0.9},
		{"clamped", CapabilityProvider{
			Type: ProviderRole, Availability: AvailabilityAlways,
			Metadata: map[string]interface{}{"a": 1, "b": 2},
		}, map[string]interface{}{"a": 1, "b": 2}, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScoreProvider(tt.provider, tt.constraints); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestResolve_PicksHighestScore(t *testing.T) {
	r := setupTestResolver(t)
	mustProvider(t, r, CapabilityProvider{ID: "vendor", Type: ProviderExternal, Availability: AvailabilityScheduled, Capabilities: []string{"review-contract"}})
	mustProvider(t, r, CapabilityProvider{ID: "legal", Type: ProviderRole, Availability: AvailabilityAlways, Capabilities: []string{"review-contract"}})

	result, err := r.ResolveCapabilities(ResolutionContext{RequiredCapabilities: []string{"review-contract"}})
	if err != nil {
		t.Fatalf("ResolveCapabilities failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("Expected success, got %+v", result.Conflicts)
	}
	p, ok := result.Binding("review-contract")
	if !ok || p.ID != "legal" {
		t.Errorf("Expected legal, got %+v", p)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", result.Warnings)
	}
}

func TestResolve_PreferredProviderWins(t *testing.T) {
	r := setupTestResolver(t)
	mustProvider(t, r, CapabilityProvider{ID: "vendor", Type: ProviderExternal, Availability: AvailabilityScheduled, Capabilities: []string{"review-contract"}})
	mustProvider(t, r, CapabilityProvider{ID: "legal", Type: ProviderRole, Availability: AvailabilityAlways, Capabilities: []string{"review-contract"}})

	result, _ := r.ResolveCapabilities(ResolutionContext{
		RequiredCapabilities: []string{"review-contract"},
		PreferredProvider:    "vendor",
	})
	if len(result.Resolved) != 1 || result.Resolved[0].Provider.ID != "vendor" || !result.Resolved[0].Preferred {
		t.Fatalf("Expected preferred vendor, got %+v", result.Resolved)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("Expected low score warning for vendor, got %v", result.Warnings)
	}

	// A preferred provider that is not a candidate is ignored.
	result, _ = r.ResolveCapabilities(ResolutionContext{
		RequiredCapabilities: []string{"review-contract"},
		PreferredProvider:    "nobody",
	})
	if result.Resolved[0].Provider.ID != "legal" {
		t.Errorf("Expected legal, got %s", result.Resolved[0].Provider.ID)
	}
}

func TestResolve_UnresolvedConflicts(t *testing.T) {
	r := setupTestResolver(t)
	mustProvider(t, r, CapabilityProvider{ID: "legal", Type: ProviderRole, Availability: AvailabilityAlways, Capabilities: []string{"review-contract"}})

	result, err := r.ResolveCapabilities(ResolutionContext{
		RequiredCapabilities: []string{"review-contract", "sign-contract", "teleport"},
	})
	if err != nil {
		t.Fatalf("ResolveCapabilities failed: %v", err)
	}
	if result.Success {
		t.Fatal("Expected failure")
	}
	if len(result.Resolved) != 1 || len(result.Conflicts) != 2 {
		t.Fatalf("Expected 1 resolved and 2 conflicts, got %+v", result)
	}
	for _, c := range result.Conflicts {
		if c.Type != ConflictUnresolved || c.Resolution == "" {
			t.Errorf("Expected unresolved conflict with a hint, got %+v", c)
		}
	}
}

func TestResolve_OvercommitConflict(t *testing.T) {
	r := setupTestResolver(t)
	mustProvider(t, r, CapabilityProvider{ID: "clerk", Type: ProviderRole, Availability: AvailabilityOnDemand, Capabilities: []string{"sign-contract", "file-contract"}})
	mustProvider(t, r, CapabilityProvider{ID: "robot", Type: ProviderTool, Availability: AvailabilityScheduled, Capabilities: []string{"sign-contract", "file-contract"}})

	result, err := r.ResolveCapabilities(ResolutionContext{
		RequiredCapabilities: []string{"sign-contract", "file-contract"},
	})
	if err != nil {
		t.Fatalf("ResolveCapabilities failed: %v", err)
	}
	if len(result.Resolved) != 2 {
		t.Fatalf("Expected both capabilities resolved, got %+v", result.Resolved)
	}
	if result.Success {
		t.Fatal("Expected overcommit to fail the resolution")
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].Type != ConflictOvercommit {
		t.Fatalf("Expected a single overcommit conflict, got %+v", result.Conflicts)
	}
	if result.Conflicts[0].Providers[0] != "clerk" || len(result.Conflicts[0].Capabilities) != 2 {
		t.Errorf("Unexpected conflict: %+v", result.Conflicts[0])
	}
}

func TestResolve_AlwaysAvailableMayBeShared(t *testing.T) {
	r := setupTestResolver(t)
	mustProvider(t, r, CapabilityProvider{ID: "clerk", Type: ProviderRole, Availability: AvailabilityOnDemand, Capabilities: []string{"sign-contract", "file-contract"}})
	mustProvider(t, r, CapabilityProvider{ID: "system", Type: ProviderService, Availability: AvailabilityAlways, Capabilities: []string{"sign-contract", "file-contract"}})

	result, _ := r.ResolveCapabilities(ResolutionContext{
		RequiredCapabilities: []string{"sign-contract", "file-contract"},
		AvailableProviders:   []string{"clerk", "system"},
	})
	if !result.Success {
		t.Fatalf("Expected always-available provider to be shared, got %+v", result.Conflicts)
	}
	for _, rc := range result.Resolved {
		if rc.Provider.ID != "system" {
			t.Errorf("Expected system for %s, got %s", rc.Capability, rc.Provider.ID)
		}
	}
}

func TestResolve_AvailableProvidersRestrictPool(t *testing.T) {
	r := setupTestResolver(t)
	mustProvider(t, r, CapabilityProvider{ID: "legal", Type: ProviderRole, Availability: AvailabilityAlways, Capabilities: []string{"review-contract"}})
	mustProvider(t, r, CapabilityProvider{ID: "intern", Type: ProviderRole, Availability: AvailabilityOnDemand, Capabilities: []string{"review-contract"}})

	result, _ := r.ResolveCapabilities(ResolutionContext{
		RequiredCapabilities: []string{"review-contract"},
		AvailableProviders:   []string{"intern", "ghost"},
	})
	if p, _ := result.Binding("review-contract"); p.ID != "intern" {
		t.Errorf("Expected intern, got %s", p.ID)
	}
}

func TestResolve_CacheHitAndInvalidation(t *testing.T) {
	r := setupTestResolver(t)
	mustProvider(t, r, CapabilityProvider{ID: "legal", Type: ProviderRole, Availability: AvailabilityAlways, Capabilities: []string{"review-contract"}})

	ctx := ResolutionContext{
		RequiredCapabilities: []string{"review-contract", "sign-contract"},
		AvailableProviders:   []string{"legal"},
		Constraints:          map[string]interface{}{"region": "eu"},
	}
	first, _ := r.ResolveCapabilities(ctx)
	if first.Cached {
		t.Fatal("Expected first resolution to miss the cache")
	}

	// Order of names must not matter for the cache key.
	reordered := ctx
	reordered.RequiredCapabilities = []string{"sign-contract", "review-contract"}
	second, _ := r.ResolveCapabilities(reordered)
	if !second.Cached {
		t.Fatal("Expected canonicalized context to hit the cache")
	}

	// Cached results are copies.
	second.Resolved[0].Provider.ID = "tampered"
	third, _ := r.ResolveCapabilities(ctx)
	if third.Resolved[0].Provider.ID != "legal" {
		t.Error("Expected cached result to be isolated from caller mutation")
	}

	mustProvider(t, r, CapabilityProvider{ID: "signer", Type: ProviderTool, Availability: AvailabilityAlways, Capabilities: []string{"sign-contract"}})
	ctx.AvailableProviders = append(ctx.AvailableProviders, "signer")
	fourth, _ := r.ResolveCapabilities(ctx)
	if fourth.Cached || !fourth.Success {
		t.Errorf("Expected fresh successful resolution after registration, got %+v", fourth)
	}
}

func TestResolve_RegistrationClearsCache(t *testing.T) {
	r := setupTestResolver(t)
	mustProvider(t, r, CapabilityProvider{ID: "legal", Type: ProviderRole, Availability: AvailabilityAlways, Capabilities: []string{"review-contract"}})

	ctx := ResolutionContext{RequiredCapabilities: []string{"review-contract"}}
	r.ResolveCapabilities(ctx)
	if err := r.RegisterCapability(CapabilityDefinition{Name: "unrelated"}); err != nil {
		t.Fatalf("RegisterCapability failed: %v", err)
	}
	if again, _ := r.ResolveCapabilities(ctx); again.Cached {
		t.Error("Expected any registration to clear the cache")
	}
}

func TestResolve_InFlightResultNotCachedAfterRegistration(t *testing.T) {
	r := setupTestResolver(t)
	ctx := ResolutionContext{RequiredCapabilities: []string{"sign-contract"}}
	key, err := cacheKey(ctx)
	if err != nil {
		t.Fatalf("cacheKey failed: %v", err)
	}

	// A resolution computed before the provider existed...
	r.cacheMu.Lock()
	gen := r.cacheGen
	r.cacheMu.Unlock()
	r.mu.RLock()
	stale := r.resolveLocked(ctx)
	r.mu.RUnlock()
	if stale.Success {
		t.Fatal("Expected resolution without providers to fail")
	}

	// ...finishes after the registration cleared the cache.
	mustProvider(t, r, CapabilityProvider{ID: "signer", Type: ProviderTool, Availability: AvailabilityAlways, Capabilities: []string{"sign-contract"}})
	if r.storeResult(key, gen, stale) {
		t.Fatal("Expected stale result to be discarded")
	}

	fresh, _ := r.ResolveCapabilities(ctx)
	if fresh.Cached || !fresh.Success {
		t.Fatalf("Expected fresh successful resolution, got cached=%t success=%t", fresh.Cached, fresh.Success)
	}
	if again, _ := r.ResolveCapabilities(ctx); !again.Cached {
		t.Error("Expected the fresh result to be cached")
	}
}

func TestResolve_PublishesEvent(t *testing.T) {
	tel := telemetry.NewNop()
	r := NewResolver(tel)
	r.RegisterCapability(CapabilityDefinition{Name: "x"})

	got := make(chan telemetry.Event, 1)
	tel.Events.Subscribe(func(e telemetry.Event) { got <- e }, telemetry.FilterByType(telemetry.EventCapabilitiesResolved))
	r.ResolveCapabilities(ResolutionContext{RequiredCapabilities: []string{"x"}})

	select {
	case e := <-got:
		if e.Data["success"] != false {
			t.Errorf("Expected unsuccessful resolution event, got %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
}

func TestRegister_StructTagValidation(t *testing.T) {
	r := NewResolver(nil)

	tests := []struct {
		name string
		err  error
	}{
		{"provider without id", r.RegisterProvider(CapabilityProvider{Type: ProviderRole, Availability: AvailabilityAlways})},
		{"provider without availability", r.RegisterProvider(CapabilityProvider{ID: "p", Type: ProviderTool})},
		{"provider with bad availability", r.RegisterProvider(CapabilityProvider{ID: "p", Type: ProviderTool, Availability: "weekends"})},
		{"responsibility without monitoring type", r.RegisterResponsibility(ResponsibilityDefinition{CapabilityDefinition: CapabilityDefinition{Name: "x"}})},
		{"capability with bad input category", r.RegisterCapability(CapabilityDefinition{
			Name:   "file-taxes",
			Inputs: []InputOutputSpec{{Name: "receipts", Category: "shoebox"}},
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if engine.CodeOf(tt.err) != engine.ErrCodeDefinition {
				t.Errorf("Expected DEFINITION_ERROR, got %v", tt.err)
			}
		})
	}

	if len(r.ListProviders()) != 0 {
		t.Errorf("Expected no providers registered, got %d", len(r.ListProviders()))
	}
	if err := (CapabilityProvider{ID: "p", Type: ProviderExternal, Availability: AvailabilityOnDemand}).Validate(); err != nil {
		t.Errorf("Expected valid provider, got %v", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	r := NewResolver(nil)
	if err := r.RegisterCapability(CapabilityDefinition{}); err == nil {
		t.Error("Expected error for unnamed capability")
	}
	if err := r.RegisterResponsibility(ResponsibilityDefinition{CapabilityDefinition: CapabilityDefinition{Name: "x"}, MonitoringType: "hourly"}); err == nil {
		t.Error("Expected error for invalid monitoring type")
	}
	if err := r.RegisterProvider(CapabilityProvider{ID: "p", Type: "robot", Availability: AvailabilityAlways}); err == nil {
		t.Error("Expected error for invalid provider type")
	}

	r.RegisterResponsibility(ResponsibilityDefinition{CapabilityDefinition: CapabilityDefinition{Name: "watch"}, MonitoringType: MonitoringPeriodic})
	def, ok := r.GetDefinition("watch")
	if !ok || def.Kind != KindResponsibility || def.MonitoringType != MonitoringPeriodic {
		t.Errorf("Unexpected definition lookup: %+v", def)
	}
}
