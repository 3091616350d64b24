package resources

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/busyhq/busyrt/pkg/engine"
)

// capabilitiesKey is matched by set containment rather than equality.
const capabilitiesKey = "capabilities"

// MatchKind tags the comparison a Matcher performs.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchGreaterThan
	MatchLessThan
	MatchContains
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchGreaterThan:
		return "gt"
	case MatchLessThan:
		return "lt"
	case MatchContains:
		return "contains"
	default:
		return "unknown"
	}
}

// Matcher is a single compiled characteristic comparison. Query strings
// such as ">30" are parsed once here instead of on every match.
type Matcher struct {
	Kind      MatchKind
	Value     interface{}
	Threshold float64
	Set       []string
}

// Exact matches values equal to v.
func Exact(v interface{}) Matcher { return Matcher{Kind: MatchExact, Value: v} }

// GreaterThan matches numeric values strictly above n.
func GreaterThan(n float64) Matcher { return Matcher{Kind: MatchGreaterThan, Threshold: n} }

// LessThan matches numeric values strictly below n.
func LessThan(n float64) Matcher { return Matcher{Kind: MatchLessThan, Threshold: n} }

// Contains matches list values holding every element of set.
func Contains(set ...string) Matcher { return Matcher{Kind: MatchContains, Set: set} }

// CompileMatcher turns a raw query value into a Matcher.
func CompileMatcher(key string, raw interface{}) (Matcher, error) {
	if key == capabilitiesKey {
		set, ok := toStringSet(raw)
		if !ok {
			return Matcher{}, fmt.Errorf("%s query must be a string or list of strings, got %T", key, raw)
		}
		return Contains(set...), nil
	}

	s, ok := raw.(string)
	if ok && len(s) > 0 && (s[0] == '>' || s[0] == '<') {
		n, err := strconv.ParseFloat(strings.TrimSpace(s[1:]), 64)
		if err != nil {
			return Matcher{}, fmt.Errorf("invalid numeric threshold %q for %s", s, key)
		}
		if s[0] == '>' {
			return GreaterThan(n), nil
		}
		return LessThan(n), nil
	}

	return Exact(raw), nil
}

// Match reports whether actual satisfies the matcher.
func (m Matcher) Match(actual interface{}) bool {
	switch m.Kind {
	case MatchExact:
		return valuesEqual(m.Value, actual)
	case MatchGreaterThan:
		n, ok := toFloat(actual)
		return ok && n > m.Threshold
	case MatchLessThan:
		n, ok := toFloat(actual)
		return ok && n < m.Threshold
	case MatchContains:
		have, ok := toStringSet(actual)
		if !ok {
			return false
		}
		present := make(map[string]bool, len(have))
		for _, h := range have {
			present[h] = true
		}
		for _, want := range m.Set {
			if !present[want] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Term is one key of a compiled query.
type Term struct {
	Key     string
	Matcher Matcher
}

// Query is a compiled characteristics query. Terms are kept sorted by key.
type Query []Term

// CompileQuery compiles every key of a characteristics map.
func CompileQuery(chars map[string]interface{}) (Query, error) {
	q := make(Query, 0, len(chars))
	for k, v := range chars {
		m, err := CompileMatcher(k, v)
		if err != nil {
			return nil, err
		}
		q = append(q, Term{Key: k, Matcher: m})
	}
	sort.Slice(q, func(i, j int) bool { return q[i].Key < q[j].Key })
	return q, nil
}

// Matches reports whether every term is satisfied by chars.
func (q Query) Matches(chars map[string]interface{}) bool {
	for _, t := range q {
		actual, ok := chars[t.Key]
		if !ok || !t.Matcher.Match(actual) {
			return false
		}
	}
	return true
}

// Score ranks chars against the query: 10 per satisfied exact key and 5
// when the capabilities set is satisfied. Threshold keys filter but do not score.
func (q Query) Score(chars map[string]interface{}) int {
	score := 0
	for _, t := range q {
		actual, ok := chars[t.Key]
		if !ok || !t.Matcher.Match(actual) {
			continue
		}
		switch t.Matcher.Kind {
		case MatchExact:
			score += 10
		case MatchContains:
			score += 5
		}
	}
	return score
}

// CompiledTier is a priority item with its query compiled.
type CompiledTier struct {
	Type     PriorityType
	Resource string
	Query    Query
	Warning  string
}

// CompiledRequirement is a requirement validated and compiled for allocation.
type CompiledRequirement struct {
	Name     string
	Baseline Query
	Tiers    []CompiledTier
	Source   ResourceRequirement
}

// Compile validates a requirement and compiles its queries. Malformed
// requirements are definition errors.
func Compile(req ResourceRequirement) (*CompiledRequirement, error) {
	if req.Name == "" {
		return nil, engine.NewDefinitionError("", "resource requirement has no name")
	}
	if len(req.Priority) == 0 {
		return nil, engine.NewDefinitionError(req.Name, "priority chain is empty")
	}

	baseline, err := CompileQuery(req.Characteristics)
	if err != nil {
		return nil, engine.NewDefinitionError(req.Name, err.Error())
	}

	compiled := &CompiledRequirement{
		Name:     req.Name,
		Baseline: baseline,
		Tiers:    make([]CompiledTier, 0, len(req.Priority)),
		Source:   req,
	}

	for i, item := range req.Priority {
		tier := CompiledTier{Type: item.Type, Resource: item.Resource, Warning: item.Warning}
		switch item.Type {
		case PrioritySpecific:
			if item.Resource == "" {
				return nil, engine.NewDefinitionError(req.Name, fmt.Sprintf("priority tier %d is specific but names no resource", i))
			}
		case PriorityCharacteristics, PriorityEmergency:
			q, err := CompileQuery(item.Characteristics)
			if err != nil {
				return nil, engine.NewDefinitionError(req.Name, fmt.Sprintf("priority tier %d: %v", i, err))
			}
			tier.Query = q
		default:
			return nil, engine.NewDefinitionError(req.Name, fmt.Sprintf("priority tier %d has unknown type %q", i, item.Type))
		}
		compiled.Tiers = append(compiled.Tiers, tier)
	}

	return compiled, nil
}

// CompileAll compiles a list of requirements, stopping at the first error.
func CompileAll(reqs []ResourceRequirement) ([]*CompiledRequirement, error) {
	out := make([]*CompiledRequirement, 0, len(reqs))
	seen := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		c, err := Compile(r)
		if err != nil {
			return nil, err
		}
		if seen[c.Name] {
			return nil, engine.NewDefinitionError(c.Name, fmt.Sprintf("duplicate requirement name %q", c.Name))
		}
		seen[c.Name] = true
		out = append(out, c)
	}
	return out, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
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

// valuesEqual compares numbers by value so 50 (int) equals 50.0 (float64).
func valuesEqual(want, got interface{}) bool {
	if wn, ok := toFloat(want); ok {
		gn, ok := toFloat(got)
		return ok && wn == gn
	}
	return reflect.DeepEqual(want, got)
}

func toStringSet(v interface{}) ([]string, bool) {
	switch val := v.(type) {
	case string:
		return []string{val}, true
	case []string:
		return val, true
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
