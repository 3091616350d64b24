package resources

import (
	"testing"

	"github.com/busyhq/busyrt/pkg/engine"
)

func TestCompileMatcher(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		raw    interface{}
		kind   MatchKind
		actual interface{}
		match  bool
	}{
		{"greater than", "speed", ">30", MatchGreaterThan, 50, true},
		{"greater than boundary", "speed", ">30", MatchGreaterThan, 30, false},
		{"less than float", "weight", "< 2.5", MatchLessThan, 1.0, true},
		{"threshold on string value", "speed", ">30", MatchGreaterThan, "fast", false},
		{"exact string", "type", "printer", MatchExact, "printer", true},
		{"exact mismatch", "type", "printer", MatchExact, "scanner", false},
		{"exact numeric across types", "speed", 50, MatchExact, 50.0, true},
		{"capabilities single", "capabilities", "color", MatchContains, []interface{}{"color", "duplex"}, true},
		{"capabilities list", "capabilities", []string{"color", "duplex"}, MatchContains, []string{"color"}, false},
		{"capabilities scalar actual", "capabilities", "color", MatchContains, "color", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := CompileMatcher(tt.key, tt.raw)
			if err != nil {
				t.Fatalf("CompileMatcher failed: %v", err)
			}
			if m.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, m.Kind)
			}
			if got := m.Match(tt.actual); got != tt.match {
				t.Errorf("Match(%v) = %v, want %v", tt.actual, got, tt.match)
			}
		})
	}
}

func TestCompileMatcher_Invalid(t *testing.T) {
	if _, err := CompileMatcher("speed", ">fast"); err == nil {
		t.Error("Expected error for non-numeric threshold")
	}
	if _, err := CompileMatcher("capabilities", 7); err == nil {
		t.Error("Expected error for non-string capabilities")
	}
}

func TestQuery_Score(t *testing.T) {
	q, err := CompileQuery(map[string]interface{}{
		"type":         "printer",
		"location":     "floor-2",
		"speed":        ">30",
		"capabilities": []string{"color"},
	})
	if err != nil {
		t.Fatalf("CompileQuery failed: %v", err)
	}

	full := map[string]interface{}{
		"type":         "printer",
		"location":     "floor-2",
		"speed":        40,
		"capabilities": []string{"color", "duplex"},
	}
	if !q.Matches(full) {
		t.Fatal("Expected full match")
	}
	if got := q.Score(full); got != 25 {
		t.Errorf("Expected score 25, got %d", got)
	}

	partial := map[string]interface{}{"type": "printer", "speed": 10}
	if q.Matches(partial) {
		t.Error("Expected partial characteristics not to match")
	}
	if got := q.Score(partial); got != 10 {
		t.Errorf("Expected partial score 10, got %d", got)
	}
}

func TestCompile_DefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		req  ResourceRequirement
	}{
		{"no name", ResourceRequirement{Priority: []PriorityItem{{Type: PrioritySpecific, Resource: "a"}}}},
		{"empty chain", ResourceRequirement{Name: "printer"}},
		{"specific without resource", ResourceRequirement{Name: "printer", Priority: []PriorityItem{{Type: PrioritySpecific}}}},
		{"unknown tier", ResourceRequirement{Name: "printer", Priority: []PriorityItem{{Type: "random"}}}},
		{"bad threshold", ResourceRequirement{Name: "printer", Priority: []PriorityItem{{
			Type: PriorityCharacteristics, Characteristics: map[string]interface{}{"speed": ">x"},
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.req)
			if err == nil {
				t.Fatal("Expected definition error")
			}
			if engine.CodeOf(err) != engine.ErrCodeDefinition {
				t.Errorf("Expected code %s, got %s", engine.ErrCodeDefinition, engine.CodeOf(err))
			}
			if engine.IsRetryable(err) {
				t.Error("Expected definition errors not to be retryable")
			}
		})
	}
}

func TestPriorityType_Weight(t *testing.T) {
	if PrioritySpecific.Weight() != 10 || PriorityCharacteristics.Weight() != 5 || PriorityEmergency.Weight() != 1 {
		t.Error("Unexpected tier weights")
	}
}
