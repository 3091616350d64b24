package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const quietHoursRego = `# Keep the label printer quiet
# during maintenance.
package busyrt.admission.quiet

import rego.v1

deny contains msg if {
	input.step == "print-label"
	msg := "label printer is in maintenance"
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoader_LoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "quiet.rego", quietHoursRego)
	writeFile(t, dir, "ops.yaml", `name: ops-only
target: override
rego: |
  package busyrt.override.ops

  import rego.v1

  deny contains "ops only" if input.user != "ops"
`)
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, "broken.json", "{")

	policies, err := NewLoader(nil).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}
	quiet, ok := byName["quiet"]
	if !ok {
		t.Fatal("Expected quiet policy")
	}
	if quiet.Target != TargetAdmission || !quiet.Enabled {
		t.Errorf("Expected enabled admission policy, got %+v", quiet)
	}
	if quiet.Description != "Keep the label printer quiet during maintenance." {
		t.Errorf("Unexpected description %q", quiet.Description)
	}
	if byName["ops-only"].Target != TargetOverride {
		t.Errorf("Expected override target from YAML, got %q", byName["ops-only"].Target)
	}
}

func TestLoader_MissingTarget(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "orphan.rego", "package acme.rules\n")

	if _, err := NewLoader(nil).LoadFromPaths(context.Background(), []string{path}); err == nil {
		t.Error("Expected error for policy without a target")
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "quiet.rego", quietHoursRego)

	eng := setupTestEngine(t, Settings{})
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if err := eng.AdmitStep(context.Background(), map[string]interface{}{"step": "print-label"}); err == nil {
		t.Error("Expected loaded policy to deny")
	}
	if _, err := eng.GetPolicy("quiet"); err != nil {
		t.Errorf("Expected quiet policy registered, got %v", err)
	}
}

func TestTargetFromPackage(t *testing.T) {
	tests := map[string]Target{
		"package busyrt.override":          TargetOverride,
		"package busyrt.admission.quiet":   TargetAdmission,
		"# c\npackage admission":           TargetAdmission,
		"package acme.rules":               "",
		"deny contains x if { true }":      "",
	}
	for src, want := range tests {
		if got := targetFromPackage(src); got != want {
			t.Errorf("targetFromPackage(%q): expected %q, got %q", src, want, got)
		}
	}
}
