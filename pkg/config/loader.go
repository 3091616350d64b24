package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// Loader reads runtime configuration and definition bundles from CUE,
// YAML or JSON files. Every document is checked against the built-in CUE
// schema before it is decoded and then validated with struct tags.
type Loader struct {
	// cue.Context is not safe for concurrent use.
	mu       sync.Mutex
	schemas  *SchemaRegistry
	validate *validator.Validate
	logger   *telemetry.Logger
}

// NewLoader creates a loader. A nil logger discards output.
func NewLoader(logger *telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Loader{
		schemas:  NewSchemaRegistry(),
		validate: validator.New(),
		logger:   logger.NewComponentLogger("config-loader"),
	}
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// IsSupported reports whether path has a loadable extension.
func IsSupported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// LoadRuntimeConfig reads a runtime configuration file. Fields the file
// leaves out keep their Default values.
func (l *Loader) LoadRuntimeConfig(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to read config %s", path), err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(path)
	}
	return l.ParseRuntimeConfig(path, data)
}

// ParseRuntimeConfig decodes data. name selects the format by extension
// and is used in error positions.
func (l *Loader) ParseRuntimeConfig(name string, data []byte) (*RuntimeConfig, error) {
	cfg := Default()
	if err := l.decode(name, data, SchemaRuntimeConfig, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Debugf("loaded runtime config from %s", name)
	return cfg, nil
}

// LoadBundle reads one bundle file. Relative implementation paths are
// resolved against the file's directory.
func (l *Loader) LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to read bundle %s", path), err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(path)
	}
	b, err := l.ParseBundle(path, data)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	for i := range b.Implementations {
		if p := b.Implementations[i].Path; p != "" && !filepath.IsAbs(p) {
			b.Implementations[i].Path = filepath.Join(dir, p)
		}
	}
	return b, nil
}

// ParseBundle decodes a bundle document.
func (l *Loader) ParseBundle(name string, data []byte) (*Bundle, error) {
	b := &Bundle{}
	if err := l.decode(name, data, SchemaBundle, b); err != nil {
		return nil, err
	}
	if err := l.validate.Struct(b); err != nil {
		return nil, engine.NewDefinitionError(name, fmt.Sprintf("invalid bundle: %v", err))
	}

	l.logger.WithField("file", name).
		WithField("playbooks", len(b.Playbooks)).
		WithField("resources", len(b.Resources)).
		Debug("loaded definition bundle")
	return b, nil
}

// LoadBundles loads and merges every bundle at paths. Directories are
// walked and their supported files loaded in lexical order.
func (l *Loader) LoadBundles(paths []string) (*Bundle, error) {
	files, err := expandPaths(paths)
	if err != nil {
		return nil, err
	}

	merged := &Bundle{}
	for _, f := range files {
		b, err := l.LoadBundle(f)
		if err != nil {
			return nil, err
		}
		if err := merged.Merge(b); err != nil {
			return nil, err
		}
	}

	l.logger.Infof("loaded %d bundle file(s) with %d playbook(s)", len(files), len(merged.Playbooks))
	return merged, nil
}

func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("failed to stat %s", p), err).
				WithCode(engine.ErrCodeNotFound).
				WithResource(p)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		var found []string
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && IsSupported(path) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

// decode builds a CUE value from data, unifies it with the named schema and
// decodes the result into out.
func (l *Loader) decode(name string, data []byte, schema string, out interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx := l.schemas.Context()

	var v cue.Value
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue", ".json":
		v = ctx.CompileBytes(data, cue.Filename(name))
	case ".yaml", ".yml":
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return engine.NewDefinitionError(name, fmt.Sprintf("invalid YAML: %v", err))
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}
		v = ctx.Encode(raw)
	default:
		return engine.NewDefinitionError(name, fmt.Sprintf("unsupported file type %q", filepath.Ext(name)))
	}
	if err := v.Err(); err != nil {
		return loadError(name, convertCUEErrors(err))
	}

	unified, errs := l.schemas.ValidateValue(schema, v)
	if len(errs) > 0 {
		return loadError(name, errs)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return loadError(name, convertCUEErrors(err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return engine.NewDefinitionError(name, fmt.Sprintf("failed to decode: %v", err))
	}
	return nil
}

func loadError(name string, errs []ValidationError) error {
	msg := "invalid document"
	if len(errs) > 0 {
		msg = errs[0].Message
		if len(errs) > 1 {
			msg = fmt.Sprintf("%s (and %d more)", msg, len(errs)-1)
		}
	}
	return engine.NewDefinitionError(name, msg).WithDetail("errors", errs)
}
