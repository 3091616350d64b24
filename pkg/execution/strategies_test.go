package execution

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/busyhq/busyrt/pkg/engine"
)

func TestAlgorithmic_NoImplementation(t *testing.T) {
	a := NewAlgorithmicStrategy()

	res, err := a.Execute(context.Background(), testStep())
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Success || res.Error.Code != engine.ErrCodeNoImplementation {
		t.Fatalf("Expected NO_IMPLEMENTATION, got %+v", res)
	}
	if res.Error.Retryable || !res.Error.FallbackSuggested {
		t.Errorf("Expected non-retryable fallback, got %+v", res.Error)
	}
}

func TestAlgorithmic_RegistryLookup(t *testing.T) {
	a := NewAlgorithmicStrategy()
	err := a.RegisterFunc("label-code", func(ctx context.Context, sc *StepContext) (map[string]interface{}, error) {
		AppendLog(ctx, "printing "+sc.StepName)
		return map[string]interface{}{"copies": sc.Inputs["copies"]}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Register("", nil); engine.CodeOf(err) != engine.ErrCodeDefinition {
		t.Errorf("Expected definition error for empty registration, got %v", err)
	}

	sc := testStep()
	sc.Implementation = "label-code"
	sc.Inputs["copies"] = 2

	res, _ := a.Execute(context.Background(), sc)
	if !res.Success || res.Outputs["copies"] != 2 {
		t.Fatalf("Expected success with copies=2, got %+v", res)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "printing print-label" {
		t.Errorf("Expected collected log line, got %v", res.Logs)
	}
	if !a.Has("label-code") || len(a.Names()) != 1 {
		t.Errorf("Expected one registered implementation, got %v", a.Names())
	}

	a.Unregister("label-code")
	if a.Has("label-code") {
		t.Error("Expected implementation to be removed")
	}
}

func TestAlgorithmic_ErrorClassification(t *testing.T) {
	a := NewAlgorithmicStrategy()
	_ = a.RegisterFunc("print-label", func(context.Context, *StepContext) (map[string]interface{}, error) {
		return nil, &engine.EngineError{Class: engine.ErrorClassThrottled, Message: "printer queue full"}
	})

	res, _ := a.Execute(context.Background(), testStep())
	if res.Success || !res.Error.Retryable {
		t.Errorf("Expected retryable failure, got %+v", res)
	}
}

func TestStarlark_Outputs(t *testing.T) {
	impl, err := NewStarlarkImplementation("double", `
def main():
    print("doubling for " + step.name)
    return {"copies": inputs["copies"] * 2, "printer": resources["printer"], "encoded": json.encode(inputs["tag"])}

outputs = main()
`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	a := NewAlgorithmicStrategy()
	_ = a.Register("double", impl)

	sc := testStep()
	sc.Implementation = "double"
	sc.Inputs = map[string]interface{}{"copies": 3, "tag": map[string]interface{}{"sku": "A1"}}
	sc.Resources = map[string]string{"printer": "printer-A"}

	res, _ := a.Execute(context.Background(), sc)
	if !res.Success {
		t.Fatalf("Expected success, got %+v", res.Error)
	}
	if res.Outputs["copies"] != int64(6) {
		t.Errorf("Expected copies=6, got %v (%T)", res.Outputs["copies"], res.Outputs["copies"])
	}
	if res.Outputs["printer"] != "printer-A" {
		t.Errorf("Expected printer-A, got %v", res.Outputs["printer"])
	}
	if res.Outputs["encoded"] != `{"sku":"A1"}` {
		t.Errorf("Unexpected encoded value %v", res.Outputs["encoded"])
	}
	if len(res.Logs) != 1 || res.Logs[0] != "doubling for print-label" {
		t.Errorf("Expected print output in logs, got %v", res.Logs)
	}
}

func TestStarlark_PublicGlobals(t *testing.T) {
	impl, err := NewStarlarkImplementation("globals", `
def helper():
    return "ok"

status = helper()
_scratch = 1
`)
	if err != nil {
		t.Fatal(err)
	}

	out, err := impl.Run(context.Background(), testStep())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out) != 1 || out["status"] != "ok" {
		t.Errorf("Expected only status, got %v", out)
	}
}

func TestStarlark_Failures(t *testing.T) {
	if _, err := NewStarlarkImplementation("broken", "def (:"); engine.CodeOf(err) != engine.ErrCodeDefinition {
		t.Errorf("Expected definition error for syntax error, got %v", err)
	}

	impl, err := NewStarlarkImplementation("fails", `fail("paper out")`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = impl.Run(context.Background(), testStep())
	var ee *ExecutionError
	if !errors.As(err, &ee) || ee.Retryable || !ee.FallbackSuggested {
		t.Errorf("Expected non-retryable script failure, got %v", err)
	}
}

func TestStarlark_CancelledByContext(t *testing.T) {
	impl, err := NewStarlarkImplementation("spin", `
def spin():
    n = 0
    for i in range(100000000000):
        n += 1
    return n

outputs = {"n": spin()}
`)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = impl.Run(ctx, testStep())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func loadGuest(t *testing.T, entry string) *WASMImplementation {
	t.Helper()
	module, err := os.ReadFile("testdata/guest.wasm")
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultWASMConfig()
	cfg.EntryPoint = entry
	impl, err := NewWASMImplementation(context.Background(), "guest", module, cfg)
	if err != nil {
		t.Fatalf("NewWASMImplementation failed: %v", err)
	}
	t.Cleanup(func() { impl.Close(context.Background()) })
	return impl
}

func TestWASM_Run(t *testing.T) {
	a := NewAlgorithmicStrategy()
	_ = a.Register("guest", loadGuest(t, "run"))

	sc := testStep()
	sc.Implementation = "guest"
	sc.Inputs = map[string]interface{}{"copies": 1}

	res, _ := a.Execute(context.Background(), sc)
	if !res.Success {
		t.Fatalf("Expected success, got %+v", res.Error)
	}
	if res.Outputs["ok"] != true || res.Outputs["answer"] != float64(42) {
		t.Errorf("Unexpected outputs %v", res.Outputs)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "hello from guest" {
		t.Errorf("Expected guest log line, got %v", res.Logs)
	}
}

func TestWASM_GuestError(t *testing.T) {
	impl := loadGuest(t, "fail")

	_, err := impl.Run(context.Background(), testStep())
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("Expected ExecutionError, got %v", err)
	}
	if !ee.Retryable {
		t.Errorf("Expected guest-declared retryable error, got %+v", ee)
	}
}

func TestWASM_InvalidModules(t *testing.T) {
	tests := []struct {
		name   string
		module []byte
		entry  string
	}{
		{"garbage", []byte("not wasm"), "run"},
		{"no exports", []byte("\x00asm\x01\x00\x00\x00"), "run"},
		{"missing entry", nil, "process"},
	}
	guest, err := os.ReadFile("testdata/guest.wasm")
	if err != nil {
		t.Fatal(err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			module := tt.module
			if module == nil {
				module = guest
			}
			_, err := NewWASMImplementation(context.Background(), "bad", module, WASMConfig{EntryPoint: tt.entry})
			if engine.CodeOf(err) != engine.ErrCodeDefinition {
				t.Errorf("Expected definition error, got %v", err)
			}
		})
	}
}

func TestAIStrategy_Gate(t *testing.T) {
	open := false
	delegate := AIDelegateFunc(func(ctx context.Context, sc *StepContext) (map[string]interface{}, error) {
		return map[string]interface{}{"summary": "done"}, nil
	})
	ai := NewAIStrategy(delegate, func() bool { return open })

	if ai.Available() {
		t.Error("Expected closed gate to make AI unavailable")
	}
	open = true
	if !ai.Available() {
		t.Error("Expected open gate to make AI available")
	}

	res, _ := ai.Execute(context.Background(), testStep())
	if !res.Success || res.Outputs["summary"] != "done" {
		t.Errorf("Unexpected result %+v", res)
	}

	if NewAIStrategy(nil, func() bool { return true }).Available() {
		t.Error("Expected AI without delegate to be unavailable")
	}
}

func TestAIStrategy_EnvGate(t *testing.T) {
	ai := NewAIStrategy(AIDelegateFunc(func(context.Context, *StepContext) (map[string]interface{}, error) {
		return nil, nil
	}), nil)

	t.Setenv(AIEnabledEnv, "false")
	if ai.Available() {
		t.Error("Expected env gate closed")
	}
	t.Setenv(AIEnabledEnv, "true")
	if !ai.Available() {
		t.Error("Expected env gate open")
	}
}

func TestHumanStrategy_RejectAndTimeout(t *testing.T) {
	h := NewHumanStrategy(nil)

	done := make(chan *Result, 1)
	go func() {
		res, _ := h.Execute(context.Background(), testStep())
		done <- res
	}()

	var tasks []HumanTask
	deadline := time.Now().Add(2 * time.Second)
	for len(tasks) == 0 && time.Now().Before(deadline) {
		tasks = h.Pending()
		time.Sleep(5 * time.Millisecond)
	}
	if len(tasks) != 1 {
		t.Fatalf("Expected one pending task, got %d", len(tasks))
	}
	if err := h.Reject(tasks[0].ID, "wrong printer"); err != nil {
		t.Fatal(err)
	}
	res := <-done
	if res.Success || res.Error.Retryable {
		t.Errorf("Expected non-retryable rejection, got %+v", res)
	}
	if err := h.Complete(tasks[0].ID, nil); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND for resolved task, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Execute(ctx, testStep()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if len(h.Pending()) != 0 {
		t.Error("Expected timed out task to be withdrawn")
	}
}
