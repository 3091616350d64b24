package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/busyhq/busyrt/pkg/engine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoader_RuntimeConfigFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"busyrt.yaml": `
policy:
  maxRetries: 2
  executionTimeout: 10s
reservationTTL: 90000
overrideUsers: [ops]
telemetry:
  logLevel: debug
`,
		"busyrt.json": `{
  "policy": {"maxRetries": 2, "executionTimeout": "10s"},
  "reservationTTL": "90s",
  "overrideUsers": ["ops"],
  "telemetry": {"logLevel": "debug"}
}`,
		"busyrt.cue": `
policy: {
	maxRetries:       2
	executionTimeout: "10s"
}
reservationTTL: "1m30s"
overrideUsers: ["ops"]
telemetry: logLevel: "debug"
`,
	}

	loader := NewLoader(nil)
	for name, content := range files {
		cfg, err := loader.LoadRuntimeConfig(writeFile(t, dir, name, content))
		if err != nil {
			t.Fatalf("%s: LoadRuntimeConfig failed: %v", name, err)
		}
		if cfg.Policy.MaxRetries != 2 || cfg.Policy.ExecutionTimeout.Std() != 10*time.Second {
			t.Errorf("%s: unexpected policy %+v", name, cfg.Policy)
		}
		if cfg.ReservationTTL.Std() != 90*time.Second {
			t.Errorf("%s: expected 90s TTL, got %v", name, cfg.ReservationTTL.Std())
		}
		if len(cfg.OverrideUsers) != 1 || cfg.Telemetry.LogLevel != "debug" {
			t.Errorf("%s: unexpected users/telemetry %v %+v", name, cfg.OverrideUsers, cfg.Telemetry)
		}
		if cfg.CompletedHistoryLimit != Default().CompletedHistoryLimit {
			t.Errorf("%s: expected default history limit kept, got %d", name, cfg.CompletedHistoryLimit)
		}
		if cfg.Telemetry.LogFormat != "console" {
			t.Errorf("%s: expected default log format kept, got %q", name, cfg.Telemetry.LogFormat)
		}
	}
}

func TestLoader_RuntimeConfigErrors(t *testing.T) {
	tests := map[string]string{
		"unknown.yaml":  "policy:\n  maxRetry: 2\n",
		"enum.yaml":     "policy:\n  defaultChain: [robot]\n",
		"history.json":  `{"completedHistoryLimit": 0}`,
		"syntax.cue":    "policy: {",
		"format.yaml":   "telemetry:\n  logFormat: xml\n",
		"negative.yaml": "policy:\n  maxRetries: -1\n",
	}

	loader := NewLoader(nil)
	for name, content := range tests {
		_, err := loader.ParseRuntimeConfig(name, []byte(content))
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if engine.CodeOf(err) != engine.ErrCodeDefinition {
			t.Errorf("%s: expected DEFINITION_ERROR, got %s (%v)", name, engine.CodeOf(err), err)
		}
	}

	_, err := loader.ParseRuntimeConfig("unknown.yaml", []byte("policy:\n  maxRetry: 2\n"))
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Details["errors"] == nil {
		t.Errorf("Expected located errors in details, got %v", err)
	}

	if _, err := loader.ParseRuntimeConfig("busyrt.toml", []byte("")); err == nil {
		t.Error("Expected error for unsupported extension")
	}
	if _, err := loader.LoadRuntimeConfig(filepath.Join(t.TempDir(), "missing.yaml")); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND for missing file, got %v", err)
	}
}

func TestLoader_EmptyYAMLKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader(nil).ParseRuntimeConfig("empty.yaml", nil)
	if err != nil {
		t.Fatalf("Expected empty file to load, got %v", err)
	}
	if cfg.Policy.MaxRetries != Default().Policy.MaxRetries {
		t.Errorf("Expected default retries, got %d", cfg.Policy.MaxRetries)
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	if len(sr.ListSchemas()) != 2 {
		t.Fatalf("Expected 2 built-in schemas, got %v", sr.ListSchemas())
	}

	if errs := sr.ValidateData(SchemaRuntimeConfig, map[string]interface{}{"aiEnabled": true}); len(errs) != 0 {
		t.Errorf("Expected valid data, got %v", errs)
	}
	if errs := sr.ValidateData(SchemaRuntimeConfig, map[string]interface{}{"aiEnabled": "yes"}); len(errs) == 0 {
		t.Error("Expected type error for aiEnabled")
	}
	if errs := sr.ValidateData("missing", map[string]interface{}{}); len(errs) != 1 {
		t.Errorf("Expected one error for unknown schema, got %v", errs)
	}

	if err := sr.RegisterSchema("label", `#Label: string`); err != nil {
		t.Fatalf("RegisterSchema failed: %v", err)
	}
	if err := sr.RegisterSchema("broken", `#Label: `); err == nil {
		t.Error("Expected compile error for broken schema")
	}
}

func TestValidationError_String(t *testing.T) {
	e := ValidationError{File: "a.cue", Line: 3, Column: 5, Message: "bad"}
	if e.String() != "a.cue:3:5: bad" {
		t.Errorf("Unexpected %q", e.String())
	}
	if (ValidationError{Message: "bad"}).String() != "bad" {
		t.Error("Expected bare message without file")
	}
}

func TestIsSupported(t *testing.T) {
	for _, p := range []string{"a.cue", "b.JSON", "c.yaml", "d.yml"} {
		if !IsSupported(p) {
			t.Errorf("Expected %s to be supported", p)
		}
	}
	if IsSupported("e.toml") || IsSupported("README") {
		t.Error("Expected unsupported extensions to be rejected")
	}
}
