package execution

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/busyhq/busyrt/pkg/engine"
)

// WASMConfig configures a WASM implementation.
type WASMConfig struct {
	// MemoryLimitPages caps guest memory in 64KiB pages.
	MemoryLimitPages uint32
	// EntryPoint is the exported function called per step. Defaults to "run".
	EntryPoint string
}

// DefaultWASMConfig returns a 16MiB memory cap and the "run" entry point.
func DefaultWASMConfig() WASMConfig {
	return WASMConfig{MemoryLimitPages: 256, EntryPoint: "run"}
}

// WASMImplementation runs a step inside a sandboxed WebAssembly module.
//
// The guest must export memory, malloc(size) -> ptr, free(ptr) and the
// entry point fn(ptr, len) -> u64 returning (out_ptr << 32) | out_len.
// Input is the JSON encoding of wasmRequest; output must decode as
// wasmResponse. The guest may import env.log(ptr, len) to append result
// logs. Each Run gets a fresh instance.
type WASMImplementation struct {
	name     string
	config   WASMConfig
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

type wasmRequest struct {
	Step      wasmStep               `json:"step"`
	Inputs    map[string]interface{} `json:"inputs"`
	Resources map[string]string      `json:"resources,omitempty"`
	Bindings  map[string]string      `json:"bindings,omitempty"`
}

type wasmStep struct {
	ExecutionID string `json:"executionId"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Method      string `json:"method,omitempty"`
}

type wasmResponse struct {
	Outputs   map[string]interface{} `json:"outputs"`
	Error     string                 `json:"error,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
}

// NewWASMImplementation compiles module and checks its exports.
func NewWASMImplementation(ctx context.Context, name string, module []byte, cfg WASMConfig) (*WASMImplementation, error) {
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = "run"
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultWASMConfig().MemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			if b, ok := mod.Memory().Read(ptr, length); ok {
				AppendLog(ctx, string(b))
			}
		}).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, engine.NewDefinitionError(name, fmt.Sprintf("failed to compile WASM module: %v", err))
	}

	if err := checkExports(compiled, cfg.EntryPoint); err != nil {
		runtime.Close(ctx)
		return nil, engine.NewDefinitionError(name, err.Error())
	}

	return &WASMImplementation{name: name, config: cfg, runtime: runtime, compiled: compiled}, nil
}

func checkExports(compiled wazero.CompiledModule, entry string) error {
	if len(compiled.ExportedMemories()) == 0 {
		return fmt.Errorf("WASM module does not export memory")
	}
	fns := compiled.ExportedFunctions()
	for _, name := range []string{"malloc", "free", entry} {
		if _, ok := fns[name]; !ok {
			return fmt.Errorf("WASM module does not export %s function", name)
		}
	}
	return nil
}

// Run instantiates the module and calls the entry point.
func (w *WASMImplementation) Run(ctx context.Context, sc *StepContext) (map[string]interface{}, error) {
	input, err := json.Marshal(wasmRequest{
		Step: wasmStep{
			ExecutionID: sc.ExecutionID,
			ID:          sc.StepID,
			Name:        sc.StepName,
			Method:      sc.Method,
		},
		Inputs:    sc.Inputs,
		Resources: sc.Resources,
		Bindings:  sc.Bindings,
	})
	if err != nil {
		return nil, w.failure(fmt.Errorf("failed to marshal request: %w", err), false)
	}

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, w.failure(fmt.Errorf("failed to instantiate module: %w", err), false)
	}
	defer mod.Close(context.Background())

	output, err := callGuest(ctx, mod, w.config.EntryPoint, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, w.failure(err, false)
	}

	var resp wasmResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, w.failure(fmt.Errorf("failed to unmarshal response: %w", err), false)
	}
	if resp.Error != "" {
		return nil, w.failure(fmt.Errorf("%s", resp.Error), resp.Retryable)
	}
	if resp.Outputs == nil {
		resp.Outputs = map[string]interface{}{}
	}
	return resp.Outputs, nil
}

// Close releases the runtime and every compiled artifact.
func (w *WASMImplementation) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func (w *WASMImplementation) failure(err error, retryable bool) *ExecutionError {
	return &ExecutionError{
		Code:              engine.ErrCodeExecutionFailed,
		Message:           fmt.Sprintf("wasm %s: %v", w.name, err),
		Retryable:         retryable,
		FallbackSuggested: !retryable,
	}
}

// callGuest copies input into guest memory, calls fn and reads the packed
// (ptr << 32) | len result back out.
func callGuest(ctx context.Context, mod api.Module, fnName string, input []byte) ([]byte, error) {
	memory := mod.Memory()
	malloc := mod.ExportedFunction("malloc")
	free := mod.ExportedFunction("free")
	fn := mod.ExportedFunction(fnName)

	var inPtr, inLen uint32
	if len(input) > 0 {
		res, err := malloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		inPtr = uint32(res[0])
		inLen = uint32(len(input))
		defer free.Call(ctx, uint64(inPtr)) //nolint:errcheck

		if !memory.Write(inPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inPtr), uint64(inLen))
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", fnName, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no results", fnName)
	}

	outPtr := uint32(results[0] >> 32)
	outLen := uint32(results[0])
	if outLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := memory.Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	output := append([]byte(nil), view...)
	_, _ = free.Call(ctx, uint64(outPtr))
	return output, nil
}
