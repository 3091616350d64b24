package capabilities

import (
	"fmt"
	"sort"
	"strings"
)

// SearchFilters narrows FindCapabilities.
type SearchFilters struct {
	// Provider matches the definition's provider field or any registered
	// provider (by id or name) that offers the definition.
	Provider string
	// Tags must all be present on the definition.
	Tags []string
	// Type restricts results to capabilities or responsibilities.
	Type DefinitionKind
}

// SearchResult is a ranked FindCapabilities hit.
type SearchResult struct {
	Definition Definition `json:"definition"`
	Score      int        `json:"score"`
}

// FindCapabilities searches both definition tables. A definition matches
// when its name or description contains term (case-insensitive). Ranking:
// exact name 10, name prefix 5, name substring 2, plus 1 for a description hit.
func (r *Resolver) FindCapabilities(term string, filters *SearchFilters) []SearchResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(term))
	var results []SearchResult

	consider := func(def Definition) {
		if filters != nil && !r.passesFiltersLocked(def, filters) {
			return
		}
		score, ok := searchScore(def, needle)
		if !ok {
			return
		}
		results = append(results, SearchResult{Definition: def, Score: score})
	}

	for _, c := range r.capabilities {
		consider(Definition{Kind: KindCapability, CapabilityDefinition: c})
	}
	for _, resp := range r.responsibilities {
		consider(Definition{Kind: KindResponsibility, CapabilityDefinition: resp.CapabilityDefinition, MonitoringType: resp.MonitoringType})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Definition.Name < results[j].Definition.Name
	})
	return results
}

func searchScore(def Definition, needle string) (int, bool) {
	if needle == "" {
		return 0, true
	}

	name := strings.ToLower(def.Name)
	score := 0
	switch {
	case name == needle:
		score = 10
	case strings.HasPrefix(name, needle):
		score = 5
	case strings.Contains(name, needle):
		score = 2
	}
	if strings.Contains(strings.ToLower(def.Description), needle) {
		score++
	}
	return score, score > 0
}

func (r *Resolver) passesFiltersLocked(def Definition, f *SearchFilters) bool {
	if f.Type != "" && def.Kind != f.Type {
		return false
	}

	for _, tag := range f.Tags {
		found := false
		for _, t := range def.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.Provider != "" && def.Provider != f.Provider {
		offered := false
		for _, p := range r.providers {
			if (p.ID == f.Provider || p.Name == f.Provider) && p.Offers(def.Name) {
				offered = true
				break
			}
		}
		if !offered {
			return false
		}
	}
	return true
}

// IssueKind classifies a compatibility issue.
type IssueKind string

const (
	IssueMissingSpec      IssueKind = "missing_spec"
	IssueCategoryMismatch IssueKind = "category_mismatch"
	IssueMissingField     IssueKind = "missing_field"
	IssueTypeMismatch     IssueKind = "type_mismatch"
	IssueRequiredMismatch IssueKind = "required_mismatch"
)

// CompatibilityIssue is one reason two definitions are incompatible.
type CompatibilityIssue struct {
	Kind      IssueKind `json:"kind"`
	Direction string    `json:"direction"`
	Spec      string    `json:"spec"`
	Field     string    `json:"field,omitempty"`
	Message   string    `json:"message"`
}

// CompatibilityResult is the outcome of ValidateCompatibility.
type CompatibilityResult struct {
	Compatible bool                 `json:"compatible"`
	Issues     []CompatibilityIssue `json:"issues,omitempty"`
}

// ValidateCompatibility checks that provided declares every input and output
// of required with the same category and compatible fields.
func ValidateCompatibility(required, provided CapabilityDefinition) CompatibilityResult {
	var issues []CompatibilityIssue
	issues = append(issues, compareSpecs("input", required.Inputs, provided.Inputs)...)
	issues = append(issues, compareSpecs("output", required.Outputs, provided.Outputs)...)
	return CompatibilityResult{Compatible: len(issues) == 0, Issues: issues}
}

func compareSpecs(direction string, required, provided []InputOutputSpec) []CompatibilityIssue {
	byName := make(map[string]InputOutputSpec, len(provided))
	for _, s := range provided {
		byName[s.Name] = s
	}

	var issues []CompatibilityIssue
	for _, want := range required {
		have, ok := byName[want.Name]
		if !ok {
			issues = append(issues, CompatibilityIssue{
				Kind: IssueMissingSpec, Direction: direction, Spec: want.Name,
				Message: fmt.Sprintf("Missing %s %s", direction, want.Name),
			})
			continue
		}
		if have.Category != want.Category {
			issues = append(issues, CompatibilityIssue{
				Kind: IssueCategoryMismatch, Direction: direction, Spec: want.Name,
				Message: fmt.Sprintf("%s %s has category %s, expected %s", direction, want.Name, have.Category, want.Category),
			})
			continue
		}
		issues = append(issues, compareFields(direction, want, have)...)
	}
	return issues
}

func compareFields(direction string, want, have InputOutputSpec) []CompatibilityIssue {
	fields := make(map[string]FieldSpec, len(have.Fields))
	for _, f := range have.Fields {
		fields[f.Name] = f
	}

	var issues []CompatibilityIssue
	for _, wf := range want.Fields {
		hf, ok := fields[wf.Name]
		if !ok {
			if wf.Required {
				issues = append(issues, CompatibilityIssue{
					Kind: IssueMissingField, Direction: direction, Spec: want.Name, Field: wf.Name,
					Message: fmt.Sprintf("%s %s is missing required field %s", direction, want.Name, wf.Name),
				})
			}
			continue
		}
		if hf.Type != wf.Type {
			issues = append(issues, CompatibilityIssue{
				Kind: IssueTypeMismatch, Direction: direction, Spec: want.Name, Field: wf.Name,
				Message: fmt.Sprintf("Field %s.%s has type %s, expected %s", want.Name, wf.Name, hf.Type, wf.Type),
			})
		}
		if wf.Required && !hf.Required {
			issues = append(issues, CompatibilityIssue{
				Kind: IssueRequiredMismatch, Direction: direction, Spec: want.Name, Field: wf.Name,
				Message: fmt.Sprintf("Field %s.%s is required but provided as optional", want.Name, wf.Name),
			})
		}
	}
	return issues
}

// CapabilityPopularity is the number of providers offering a definition.
type CapabilityPopularity struct {
	Name          string `json:"name"`
	ProviderCount int    `json:"providerCount"`
}

// MarketplaceInfo is an aggregate snapshot of the resolver's tables.
type MarketplaceInfo struct {
	TotalCapabilities     int                     `json:"totalCapabilities"`
	TotalResponsibilities int                     `json:"totalResponsibilities"`
	TotalProviders        int                     `json:"totalProviders"`
	Popular               []CapabilityPopularity  `json:"popular"`
	ProviderAvailability  map[string]Availability `json:"providerAvailability"`
	ByAvailability        map[Availability]int    `json:"byAvailability"`
}

// maxPopular caps MarketplaceInfo.Popular.
const maxPopular = 10

// GetMarketplaceInfo returns counts, the ten most offered definitions, and
// provider availability.
func (r *Resolver) GetMarketplaceInfo() MarketplaceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := MarketplaceInfo{
		TotalCapabilities:     len(r.capabilities),
		TotalResponsibilities: len(r.responsibilities),
		TotalProviders:        len(r.providers),
		ProviderAvailability:  make(map[string]Availability, len(r.providers)),
		ByAvailability:        make(map[Availability]int),
	}

	counts := make(map[string]int)
	for name := range r.capabilities {
		counts[name] = 0
	}
	for name := range r.responsibilities {
		counts[name] = 0
	}
	for _, p := range r.providers {
		info.ProviderAvailability[p.ID] = p.Availability
		info.ByAvailability[p.Availability]++
		for _, c := range p.Capabilities {
			if _, ok := counts[c]; ok {
				counts[c]++
			}
		}
	}

	for name, n := range counts {
		info.Popular = append(info.Popular, CapabilityPopularity{Name: name, ProviderCount: n})
	}
	sort.Slice(info.Popular, func(i, j int) bool {
		if info.Popular[i].ProviderCount != info.Popular[j].ProviderCount {
			return info.Popular[i].ProviderCount > info.Popular[j].ProviderCount
		}
		return info.Popular[i].Name < info.Popular[j].Name
	})
	if len(info.Popular) > maxPopular {
		info.Popular = info.Popular[:maxPopular]
	}
	return info
}
