package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/execution"
	"github.com/busyhq/busyrt/pkg/policy"
	"github.com/busyhq/busyrt/pkg/resources"
	"github.com/busyhq/busyrt/pkg/runtime"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// Duration is a time.Duration that decodes from "30s" style strings or from
// a number of milliseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PolicyConfig is the execution policy section. Zero values fall back to
// execution.DefaultPolicy.
type PolicyConfig struct {
	DefaultChain       []engine.ExecutionType `json:"defaultChain,omitempty" yaml:"defaultChain,omitempty"`
	AllowHumanOverride *bool                  `json:"allowHumanOverride,omitempty" yaml:"allowHumanOverride,omitempty"`
	MaxRetries         int                    `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty" validate:"gte=0"`
	ExecutionTimeout   Duration               `json:"executionTimeout,omitempty" yaml:"executionTimeout,omitempty" validate:"gte=0"`
	AvailableTypes     []engine.ExecutionType `json:"availableTypes,omitempty" yaml:"availableTypes,omitempty"`
}

// TelemetryConfig is the subset of telemetry settings exposed in the
// runtime file.
type TelemetryConfig struct {
	LogLevel       string `json:"logLevel,omitempty" yaml:"logLevel,omitempty" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat      string `json:"logFormat,omitempty" yaml:"logFormat,omitempty" validate:"omitempty,oneof=console json"`
	MetricsAddress string `json:"metricsAddress,omitempty" yaml:"metricsAddress,omitempty"`
	Tracing        bool   `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// RuntimeConfig is the runtime configuration file.
type RuntimeConfig struct {
	Policy PolicyConfig `json:"policy,omitempty" yaml:"policy,omitempty"`

	// ReservationTTL is the default lifetime of a resource reservation.
	ReservationTTL Duration `json:"reservationTTL,omitempty" yaml:"reservationTTL,omitempty" validate:"gte=0"`
	// ReservationRetention is how long finished reservations stay listed.
	ReservationRetention Duration `json:"reservationRetention,omitempty" yaml:"reservationRetention,omitempty" validate:"gte=0"`

	AllowEmergencyResources bool     `json:"allowEmergencyResources,omitempty" yaml:"allowEmergencyResources,omitempty"`
	OverrideUsers           []string `json:"overrideUsers,omitempty" yaml:"overrideUsers,omitempty" validate:"dive,required"`

	// CompletedHistoryLimit bounds the in-memory execution history.
	CompletedHistoryLimit int `json:"completedHistoryLimit,omitempty" yaml:"completedHistoryLimit,omitempty" validate:"omitempty,min=1"`

	StorePath   string   `json:"storePath,omitempty" yaml:"storePath,omitempty"`
	PolicyPaths []string `json:"policyPaths,omitempty" yaml:"policyPaths,omitempty"`
	Bundles     []string `json:"bundles,omitempty" yaml:"bundles,omitempty"`
	AIEnabled   bool     `json:"aiEnabled,omitempty" yaml:"aiEnabled,omitempty"`

	Telemetry TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *RuntimeConfig {
	p := execution.DefaultPolicy()
	allow := p.AllowHumanOverride
	return &RuntimeConfig{
		Policy: PolicyConfig{
			DefaultChain:       p.DefaultChain,
			AllowHumanOverride: &allow,
			MaxRetries:         p.MaxRetries,
			ExecutionTimeout:   Duration(p.ExecutionTimeout),
			AvailableTypes:     p.AvailableTypes,
		},
		ReservationTTL:        Duration(15 * time.Minute),
		ReservationRetention:  Duration(resources.DefaultReservationRetention),
		CompletedHistoryLimit: runtime.DefaultHistoryLimit,
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// Validate checks struct constraints and the resulting execution policy.
func (c *RuntimeConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return engine.NewPermanentError("invalid runtime configuration", err).WithCode(engine.ErrCodeValidation)
	}
	if err := c.ExecutionPolicy().Validate(); err != nil {
		return engine.NewPermanentError("invalid execution policy", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// ExecutionPolicy returns execution.DefaultPolicy overlaid with the
// configured values.
func (c *RuntimeConfig) ExecutionPolicy() execution.Policy {
	return c.policyUpdate().Apply(execution.DefaultPolicy())
}

func (c *RuntimeConfig) policyUpdate() execution.PolicyUpdate {
	var u execution.PolicyUpdate
	if len(c.Policy.DefaultChain) > 0 {
		u.DefaultChain = c.Policy.DefaultChain
	}
	if len(c.Policy.AvailableTypes) > 0 {
		u.AvailableTypes = c.Policy.AvailableTypes
	}
	u.AllowHumanOverride = c.Policy.AllowHumanOverride
	if c.Policy.MaxRetries > 0 {
		n := c.Policy.MaxRetries
		u.MaxRetries = &n
	}
	if c.Policy.ExecutionTimeout > 0 {
		d := c.Policy.ExecutionTimeout.Std()
		u.ExecutionTimeout = &d
	}
	return u
}

// ToConfigUpdate converts the file into a runtime update. Every field that
// the file sets is carried; unset fields leave the runtime unchanged.
func (c *RuntimeConfig) ToConfigUpdate() runtime.ConfigUpdate {
	var update runtime.ConfigUpdate
	if u := c.policyUpdate(); !u.IsEmpty() {
		update.Policy = &u
	}
	if c.CompletedHistoryLimit > 0 {
		n := c.CompletedHistoryLimit
		update.HistoryLimit = &n
	}
	return update
}

// PolicySettings returns the settings document for the policy engine.
func (c *RuntimeConfig) PolicySettings() policy.Settings {
	return policy.Settings{
		OverrideUsers:           append([]string(nil), c.OverrideUsers...),
		AllowEmergencyResources: c.AllowEmergencyResources,
	}
}

// ApplyTelemetry overlays the telemetry section onto tc.
func (c *RuntimeConfig) ApplyTelemetry(tc *telemetry.Config) {
	if c.Telemetry.LogLevel != "" {
		tc.Logging.Level = c.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat != "" {
		tc.Logging.Format = c.Telemetry.LogFormat
	}
	if c.Telemetry.MetricsAddress != "" {
		tc.Metrics.Enabled = true
		tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	}
	tc.Tracing.Enabled = c.Telemetry.Tracing
	if c.Telemetry.Tracing && tc.Tracing.Exporter == "none" {
		tc.Tracing.Exporter = "stdout"
	}
}

// ValidationError is a located problem found while loading a file.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.File == "" {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}
