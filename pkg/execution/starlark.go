package execution

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/busyhq/busyrt/pkg/engine"
)

// StarlarkImplementation runs a Starlark script as a step implementation.
//
// The script sees three predeclared values: inputs (a dict), step (a struct
// with id, name and method) and resources (a dict of requirement name to
// resource name). If the script defines a global dict named outputs, that
// dict is the step output; otherwise every public global is returned.
// print() lines become result logs.
type StarlarkImplementation struct {
	name        string
	program     *starlark.Program
	predeclared starlark.StringDict
}

// NewStarlarkImplementation parses and compiles script. Syntax errors are
// reported as definition errors.
func NewStarlarkImplementation(name, script string) (*StarlarkImplementation, error) {
	predeclared := starlarkPredeclared()
	isPredeclared := func(n string) bool {
		if _, ok := predeclared[n]; ok {
			return true
		}
		return n == "inputs" || n == "step" || n == "resources"
	}

	_, program, err := starlark.SourceProgram(name+".star", script, isPredeclared)
	if err != nil {
		return nil, engine.NewDefinitionError(name, fmt.Sprintf("starlark compile failed: %v", err))
	}
	return &StarlarkImplementation{name: name, program: program, predeclared: predeclared}, nil
}

func starlarkPredeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   json.Module,
	}
}

// Run executes the compiled program. The thread is cancelled when ctx is
// done, so runaway loops stop at the attempt timeout.
func (s *StarlarkImplementation) Run(ctx context.Context, sc *StepContext) (map[string]interface{}, error) {
	thread := &starlark.Thread{
		Name: "busyrt:" + s.name,
		Print: func(_ *starlark.Thread, msg string) {
			AppendLog(ctx, msg)
		},
	}

	env := make(starlark.StringDict, len(s.predeclared)+3)
	for k, v := range s.predeclared {
		env[k] = v
	}
	inputs, err := toStarlarkValue(sc.Inputs)
	if err != nil {
		return nil, scriptError(s.name, fmt.Errorf("failed to convert inputs: %w", err))
	}
	env["inputs"] = inputs
	env["step"] = starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":     starlark.String(sc.StepID),
		"name":   starlark.String(sc.StepName),
		"method": starlark.String(sc.Method),
	})
	res := starlark.NewDict(len(sc.Resources))
	for k, v := range sc.Resources {
		if err := res.SetKey(starlark.String(k), starlark.String(v)); err != nil {
			return nil, scriptError(s.name, err)
		}
	}
	env["resources"] = res

	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	globals, err := s.program.Init(thread, env)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, scriptError(s.name, err)
	}

	out, err := collectOutputs(globals)
	if err != nil {
		return nil, scriptError(s.name, err)
	}
	return out, nil
}

// scriptError reports a script failure. Scripts are deterministic, so a
// failure is not retried in place.
func scriptError(name string, err error) *ExecutionError {
	return &ExecutionError{
		Code:              engine.ErrCodeExecutionFailed,
		Message:           fmt.Sprintf("starlark %s: %v", name, err),
		FallbackSuggested: true,
	}
}

func collectOutputs(globals starlark.StringDict) (map[string]interface{}, error) {
	if v, ok := globals["outputs"]; ok {
		if _, isDict := v.(*starlark.Dict); !isDict {
			return nil, fmt.Errorf("outputs must be a dict, got %s", v.Type())
		}
		goVal, err := fromStarlarkValue(v)
		if err != nil {
			return nil, fmt.Errorf("failed to convert outputs: %w", err)
		}
		return goVal.(map[string]interface{}), nil
	}

	names := globals.Keys()
	sort.Strings(names)
	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, "_") {
			continue
		}
		val := globals[name]
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		out[name] = goVal
	}
	return out, nil
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromIndexable(val)
	case *starlark.List:
		return fromIndexable(val)
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromIndexable(x starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, x.Len())
	for i := 0; i < x.Len(); i++ {
		item, err := fromStarlarkValue(x.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
