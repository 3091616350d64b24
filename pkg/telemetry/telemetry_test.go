package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"production", func(c *Config) { *c = *ProductionConfig() }, false},
		{"empty service", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"no metrics address", func(c *Config) { c.Metrics.ListenAddress = "" }, true},
		{"zero event buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("resources").
		WithExecutionID("exec-1").
		WithStepID("s1").
		WithError(errors.New("busy")).
		Warn("allocation failed")

	out := buf.String()
	for _, want := range []string{`"component":"resources"`, `"execution_id":"exec-1"`, `"step_id":"s1"`, `"error":"busy"`, `"level":"warn"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %s, got %s", want, out)
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered, got %s", buf.String())
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf).
		WithFields(map[string]interface{}{"trace_id": "abc", "attempt": 2})
	logger.Info("attempt started")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"abc"`) || !strings.Contains(out, `"attempt":2`) {
		t.Errorf("Expected fields in output, got %s", out)
	}
}

func TestMetrics_RecordAndServe(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "busyrt", ListenAddress: ":0"})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	m.RecordPlaybookStarted("onboarding")
	m.RecordPlaybookFinished("onboarding", "completed", 2*time.Second)
	m.RecordAllocation("specific", "allocated")
	m.RecordStrategyAttempt("algorithmic", "failed")
	m.RecordResolution(true)
	m.RecordError("transient", "TIMEOUT")

	if got := testutil.ToFloat64(m.playbooksFinished.WithLabelValues("onboarding", "completed")); got != 1 {
		t.Errorf("Expected 1 finished playbook, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeExecutions); got != 0 {
		t.Errorf("Expected 0 active executions, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "busyrt_strategy_attempts_total") {
		t.Error("Expected strategy attempts in metrics output")
	}

	if srv := m.NewServer(); srv.Addr != ":0" {
		t.Errorf("Expected server address :0, got %s", srv.Addr)
	}
}

func TestMetrics_DisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	m.RecordPlaybookStarted("x")
	m.SetAllocatedResources(3)
	if m.Registry() != nil {
		t.Error("Expected no registry when disabled")
	}

	var nilMetrics *Metrics
	nilMetrics.RecordEventDropped()
}

func TestTelemetry_FlushWithoutExporter(t *testing.T) {
	tel := NewNop()
	defer tel.Shutdown(context.Background())

	if err := tel.Flush(context.Background()); err != nil {
		t.Errorf("Flush failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	full, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	ctx, span := full.Tracer.StartStepSpan(context.Background(), "exec-1", "s1")
	if TraceID(ctx) == "" {
		t.Error("Expected a trace id from a recording tracer")
	}
	EndSpan(span, errors.New("failed"))
	if err := full.Flush(context.Background()); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
	if err := full.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestTracer_NopSpans(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "busyrt", "test", "test")
	if err != nil {
		t.Fatalf("Failed to create tracer: %v", err)
	}
	ctx, span := tracer.StartPlaybookSpan(context.Background(), "exec-1", "pb")
	EndSpan(span, nil)
	if TraceID(ctx) != "" {
		t.Error("Expected no trace id from nop tracer")
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
