// Package config loads the runtime configuration and definition bundles.
//
// # Overview
//
// Two kinds of documents are read, each from CUE, YAML or JSON:
//
//   - RuntimeConfig: execution policy defaults, reservation TTL, override
//     users, the emergency-resource switch, history limit and telemetry.
//   - Bundle: compiled definitions. Resources, capabilities,
//     responsibilities, providers, playbooks and the Starlark or WASM code
//     that algorithmic steps run.
//
// Every document is unified with a closed CUE schema before it is decoded,
// so unknown keys and enum typos are reported with file positions. Decoded
// structs are then checked with validator tags.
//
// # Usage Example
//
//	loader := config.NewLoader(logger)
//	cfg, err := loader.LoadRuntimeConfig("busyrt.yaml")
//	if err != nil {
//	    return err
//	}
//
//	bundle, err := loader.LoadBundles(cfg.Bundles)
//	if err != nil {
//	    return err
//	}
//	cleanup, err := bundle.Apply(ctx, config.Targets{
//	    Resources:    resourceManager,
//	    Capabilities: resolver,
//	    Algorithmic:  algorithmic,
//	    Source:       source,
//	})
//	defer cleanup(ctx)
//
// # Live Reload
//
// Watcher reloads the runtime configuration file on write and hands the
// result to a callback. A file that fails to load is logged and the
// previous configuration stays in force:
//
//	w := config.NewWatcher(path, loader, func(cfg *config.RuntimeConfig) error {
//	    if err := orchestrator.UpdateConfig(cfg.ToConfigUpdate()); err != nil {
//	        return err
//	    }
//	    return policyEngine.SetSettings(ctx, cfg.PolicySettings())
//	}, logger)
//	if err := w.Start(ctx); err != nil {
//	    return err
//	}
//	defer w.Close()
package config
