package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// Built-in schema names.
const (
	SchemaRuntimeConfig = "runtime"
	SchemaBundle        = "bundle"
)

// SchemaRegistry manages CUE schemas for validation. All values it
// validates must be built with its Context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	root := sr.ctx.CompileString(builtinSchemas, cue.Filename("busyrt-schemas.cue"))
	if err := root.Err(); err != nil {
		panic(fmt.Sprintf("built-in schemas do not compile: %v", err))
	}
	sr.schemas[SchemaRuntimeConfig] = root.LookupPath(cue.ParsePath("#RuntimeConfig"))
	sr.schemas[SchemaBundle] = root.LookupPath(cue.ParsePath("#Bundle"))

	return sr
}

// Context returns the CUE context shared by the registry's schemas.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles schema and registers it under name, replacing any
// previous schema of that name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateValue unifies v with the named schema and requires the result to
// be concrete. The unified value is returned for decoding.
func (sr *SchemaRegistry) ValidateValue(name string, v cue.Value) (cue.Value, []ValidationError) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, []ValidationError{{Message: fmt.Sprintf("schema %s not found", name)}}
	}

	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, convertCUEErrors(err)
	}
	return unified, nil
}

// ValidateData encodes a Go value and validates it against the named schema.
func (sr *SchemaRegistry) ValidateData(name string, data interface{}) []ValidationError {
	v := sr.ctx.Encode(data)
	if err := v.Err(); err != nil {
		return convertCUEErrors(err)
	}
	_, errs := sr.ValidateValue(name, v)
	return errs
}

// convertCUEErrors flattens a CUE error list into located validation errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		var ve ValidationError
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		ve.Message = errors.Details(e, nil)
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

const builtinSchemas = `
#Duration:      string | int
#ExecutionType: "algorithmic" | "ai" | "human"

#RuntimeConfig: {
	policy?: {
		defaultChain?:       [...#ExecutionType]
		allowHumanOverride?: bool
		maxRetries?:         int & >=0
		executionTimeout?:   #Duration
		availableTypes?:     [...#ExecutionType]
	}
	reservationTTL?:          #Duration
	reservationRetention?:    #Duration
	allowEmergencyResources?: bool
	overrideUsers?:           [...string]
	completedHistoryLimit?:   int & >=1
	storePath?:               string
	policyPaths?:             [...string]
	bundles?:                 [...string]
	aiEnabled?:               bool
	telemetry?: {
		logLevel?:       "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		logFormat?:      "console" | "json"
		metricsAddress?: string
		tracing?:        bool
	}
}

#PriorityItem: {
	type:             "specific" | "characteristics" | "emergency"
	resource?:        string
	characteristics?: {...}
	warning?:         string
}

#Requirement: {
	name:             string
	characteristics?: {...}
	priority: [#PriorityItem, ...#PriorityItem]
}

#Step: {
	name:                string
	method?:             string
	implementation?:     string
	executionTypes?:     [...#ExecutionType]
	inputs?:             {...}
	requirements?:       [...#Requirement]
	capabilities?:       [...string]
	availableProviders?: [...string]
	constraints?:        {...}
	preferredProvider?:  string
}

#Playbook: {
	name:         string
	description?: string
	steps: [#Step, ...#Step]
}

#Bundle: {
	resources?: [...{
		name:             string
		extends?:         string
		characteristics?: {...}
	}]
	capabilities?: [...{
		name: string
		...
	}]
	responsibilities?: [...{
		name:           string
		monitoringType: "continuous" | "periodic" | "event-driven"
		...
	}]
	providers?: [...{
		id:           string
		type:         "role" | "tool" | "service" | "external"
		availability: "always" | "scheduled" | "on-demand"
		...
	}]
	playbooks?: [...#Playbook]
	implementations?: [...{
		name:        string
		kind:        "starlark" | "wasm"
		source?:     string
		path?:       string
		entryPoint?: string
	}]
}
`
