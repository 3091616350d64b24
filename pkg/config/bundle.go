package config

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/busyhq/busyrt/pkg/capabilities"
	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/execution"
	"github.com/busyhq/busyrt/pkg/resources"
	"github.com/busyhq/busyrt/pkg/runtime"
)

// ImplementationKind selects how an implementation's code is run.
type ImplementationKind string

const (
	ImplementationStarlark ImplementationKind = "starlark"
	ImplementationWASM     ImplementationKind = "wasm"
)

// ImplementationSpec declares step code for the algorithmic strategy.
// Starlark code is given inline as Source or in a file at Path; WASM
// modules are always read from Path.
type ImplementationSpec struct {
	Name       string             `json:"name" yaml:"name" validate:"required"`
	Kind       ImplementationKind `json:"kind" yaml:"kind" validate:"required,oneof=starlark wasm"`
	Source     string             `json:"source,omitempty" yaml:"source,omitempty"`
	Path       string             `json:"path,omitempty" yaml:"path,omitempty"`
	EntryPoint string             `json:"entryPoint,omitempty" yaml:"entryPoint,omitempty"`
}

// Bundle is a compiled set of definitions: the resource catalog, the
// capability catalog, playbooks and the code their steps run.
type Bundle struct {
	Resources        []resources.ResourceDefinition          `json:"resources,omitempty" yaml:"resources,omitempty" validate:"dive"`
	Capabilities     []capabilities.CapabilityDefinition     `json:"capabilities,omitempty" yaml:"capabilities,omitempty" validate:"dive"`
	Responsibilities []capabilities.ResponsibilityDefinition `json:"responsibilities,omitempty" yaml:"responsibilities,omitempty" validate:"dive"`
	Providers        []capabilities.CapabilityProvider       `json:"providers,omitempty" yaml:"providers,omitempty" validate:"dive"`
	Playbooks        []runtime.PlaybookDefinition            `json:"playbooks,omitempty" yaml:"playbooks,omitempty" validate:"dive"`
	Implementations  []ImplementationSpec                    `json:"implementations,omitempty" yaml:"implementations,omitempty" validate:"dive"`
}

// Targets are the registries a bundle is applied to. Nil targets are
// skipped.
type Targets struct {
	Resources    *resources.Manager
	Capabilities *capabilities.Resolver
	Algorithmic  *execution.AlgorithmicStrategy
	Source       *runtime.StaticSource
	WASM         execution.WASMConfig
}

// Merge appends other into b. Names must stay unique per kind.
func (b *Bundle) Merge(other *Bundle) error {
	if err := checkDuplicates("resource", names(b.Resources, other.Resources, func(r resources.ResourceDefinition) string { return r.Name })); err != nil {
		return err
	}
	if err := checkDuplicates("playbook", names(b.Playbooks, other.Playbooks, func(p runtime.PlaybookDefinition) string { return p.Name })); err != nil {
		return err
	}
	if err := checkDuplicates("implementation", names(b.Implementations, other.Implementations, func(i ImplementationSpec) string { return i.Name })); err != nil {
		return err
	}
	if err := checkDuplicates("provider", names(b.Providers, other.Providers, func(p capabilities.CapabilityProvider) string { return p.ID })); err != nil {
		return err
	}

	b.Resources = append(b.Resources, other.Resources...)
	b.Capabilities = append(b.Capabilities, other.Capabilities...)
	b.Responsibilities = append(b.Responsibilities, other.Responsibilities...)
	b.Providers = append(b.Providers, other.Providers...)
	b.Playbooks = append(b.Playbooks, other.Playbooks...)
	b.Implementations = append(b.Implementations, other.Implementations...)
	return nil
}

func names[T any](a, b []T, key func(T) string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		out = append(out, key(v))
	}
	for _, v := range b {
		out = append(out, key(v))
	}
	return out
}

func checkDuplicates(kind string, list []string) error {
	seen := make(map[string]bool, len(list))
	for _, n := range list {
		if seen[n] {
			return engine.NewDefinitionError(n, fmt.Sprintf("duplicate %s %q", kind, n))
		}
		seen[n] = true
	}
	return nil
}

// PlaybookNames returns the bundle's playbook names in sorted order.
func (b *Bundle) PlaybookNames() []string {
	out := make([]string, 0, len(b.Playbooks))
	for _, p := range b.Playbooks {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}

// Source returns a definition source holding the bundle's playbooks.
func (b *Bundle) Source() *runtime.StaticSource {
	return runtime.NewStaticSource(b.Playbooks...)
}

// Apply registers the bundle into t. Resources are registered parents
// first so extends may refer forward within the bundle. The returned
// cleanup closes compiled WASM modules and must be called once the
// implementations are no longer used, including on error.
func (b *Bundle) Apply(ctx context.Context, t Targets) (func(context.Context), error) {
	var closers []*execution.WASMImplementation
	cleanup := func(ctx context.Context) {
		for _, w := range closers {
			_ = w.Close(ctx)
		}
	}

	if t.Resources != nil {
		ordered, err := orderResources(b.Resources)
		if err != nil {
			return cleanup, err
		}
		for _, def := range ordered {
			if err := t.Resources.RegisterResource(def); err != nil {
				return cleanup, err
			}
		}
	}

	if t.Capabilities != nil {
		for _, def := range b.Capabilities {
			if err := t.Capabilities.RegisterCapability(def); err != nil {
				return cleanup, err
			}
		}
		for _, def := range b.Responsibilities {
			if err := t.Capabilities.RegisterResponsibility(def); err != nil {
				return cleanup, err
			}
		}
		for _, p := range b.Providers {
			if err := t.Capabilities.RegisterProvider(p); err != nil {
				return cleanup, err
			}
		}
	}

	if t.Algorithmic != nil {
		for _, spec := range b.Implementations {
			impl, err := buildImplementation(ctx, spec, t.WASM)
			if err != nil {
				return cleanup, err
			}
			if w, ok := impl.(*execution.WASMImplementation); ok {
				closers = append(closers, w)
			}
			if err := t.Algorithmic.Register(spec.Name, impl); err != nil {
				return cleanup, err
			}
		}
	}

	if t.Source != nil {
		for _, p := range b.Playbooks {
			t.Source.Register(p)
		}
	}

	return cleanup, nil
}

func buildImplementation(ctx context.Context, spec ImplementationSpec, wasmCfg execution.WASMConfig) (execution.Implementation, error) {
	switch spec.Kind {
	case ImplementationStarlark:
		src := spec.Source
		if src == "" {
			if spec.Path == "" {
				return nil, engine.NewDefinitionError(spec.Name, "starlark implementation needs source or path")
			}
			data, err := os.ReadFile(spec.Path)
			if err != nil {
				return nil, engine.NewDefinitionError(spec.Name, fmt.Sprintf("failed to read script: %v", err))
			}
			src = string(data)
		}
		return execution.NewStarlarkImplementation(spec.Name, src)

	case ImplementationWASM:
		if spec.Path == "" {
			return nil, engine.NewDefinitionError(spec.Name, "wasm implementation needs a path")
		}
		module, err := os.ReadFile(spec.Path)
		if err != nil {
			return nil, engine.NewDefinitionError(spec.Name, fmt.Sprintf("failed to read module: %v", err))
		}
		if wasmCfg.MemoryLimitPages == 0 {
			wasmCfg = execution.DefaultWASMConfig()
		}
		if spec.EntryPoint != "" {
			wasmCfg.EntryPoint = spec.EntryPoint
		}
		return execution.NewWASMImplementation(ctx, spec.Name, module, wasmCfg)

	default:
		return nil, engine.NewDefinitionError(spec.Name, fmt.Sprintf("unknown implementation kind %q", spec.Kind))
	}
}

// orderResources returns defs with every in-bundle parent ahead of its
// children. Parents outside the bundle are left to the registry to check.
func orderResources(defs []resources.ResourceDefinition) ([]resources.ResourceDefinition, error) {
	inBundle := make(map[string]bool, len(defs))
	for _, d := range defs {
		inBundle[d.Name] = true
	}

	placed := make(map[string]bool, len(defs))
	out := make([]resources.ResourceDefinition, 0, len(defs))
	remaining := defs
	for len(remaining) > 0 {
		var next []resources.ResourceDefinition
		for _, d := range remaining {
			if d.Extends == "" || !inBundle[d.Extends] || placed[d.Extends] {
				out = append(out, d)
				placed[d.Name] = true
				continue
			}
			next = append(next, d)
		}
		if len(next) == len(remaining) {
			return nil, engine.NewDefinitionError(next[0].Name, "resource extends cycle")
		}
		remaining = next
	}
	return out, nil
}
