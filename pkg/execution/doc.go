// Package execution dispatches a step across interchangeable strategies.
//
// A Manager holds one Strategy per engine.ExecutionType and a Policy that
// names the fallback chain. ExecuteStep walks the chain in order, skipping
// types that are not allowed or not available, and gives each strategy up
// to MaxRetries attempts bounded by ExecutionTimeout. Retryable failures
// are retried in place after an exponential delay; anything else moves on
// to the next strategy at once.
//
// Three strategies are provided:
//
//   - AlgorithmicStrategy runs code from an explicit registry. Go functions,
//     Starlark scripts and sandboxed WASM modules can all be registered.
//   - AIStrategy forwards to a pluggable AIDelegate behind a gate.
//   - HumanStrategy files a HumanTask and blocks until someone completes or
//     rejects it.
//
// RequestHumanOverride hands a step that is currently executing to the
// human strategy when policy and the optional OverrideGuard allow it.
package execution
