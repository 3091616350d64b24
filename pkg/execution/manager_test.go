package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// fakeStrategy counts calls and delegates to fn.
type fakeStrategy struct {
	typ         engine.ExecutionType
	unavailable bool
	calls       int32
	fn          func(ctx context.Context, n int) (*Result, error)
}

func (f *fakeStrategy) Type() engine.ExecutionType { return f.typ }
func (f *fakeStrategy) Available() bool            { return !f.unavailable }
func (f *fakeStrategy) Priority() int              { return 0 }

func (f *fakeStrategy) Execute(ctx context.Context, _ *StepContext) (*Result, error) {
	n := int(atomic.AddInt32(&f.calls, 1))
	return f.fn(ctx, n)
}

func (f *fakeStrategy) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

func succeedWith(t engine.ExecutionType) func(context.Context, int) (*Result, error) {
	return func(context.Context, int) (*Result, error) {
		return Succeeded(t, map[string]interface{}{"by": string(t)}), nil
	}
}

func failWith(t engine.ExecutionType, retryable bool, msg string) func(context.Context, int) (*Result, error) {
	return func(context.Context, int) (*Result, error) {
		return Failed(t, &ExecutionError{Code: engine.ErrCodeExecutionFailed, Message: msg, Retryable: retryable}), nil
	}
}

func setupTestManager(t *testing.T, policy Policy, strategies ...Strategy) *Manager {
	t.Helper()
	m, err := NewManager(policy, telemetry.NewNop(), strategies...)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	m.SetBackoffBase(0)
	return m
}

func testPolicy(chain ...engine.ExecutionType) Policy {
	p := DefaultPolicy()
	p.DefaultChain = chain
	p.MaxRetries = 2
	p.ExecutionTimeout = 5 * time.Second
	return p
}

func testStep() *StepContext {
	return &StepContext{ExecutionID: "exec-1", StepID: "step-1", StepName: "print-label", Inputs: map[string]interface{}{}}
}

func TestExecuteStep_NonRetryableFallsThroughImmediately(t *testing.T) {
	alg := &fakeStrategy{typ: engine.ExecutionTypeAlgorithmic, fn: failWith(engine.ExecutionTypeAlgorithmic, false, "bad input")}
	human := &fakeStrategy{typ: engine.ExecutionTypeHuman, fn: succeedWith(engine.ExecutionTypeHuman)}
	m := setupTestManager(t, testPolicy(engine.ExecutionTypeAlgorithmic, engine.ExecutionTypeHuman), alg, human)

	res, err := m.ExecuteStep(context.Background(), testStep())
	if err != nil {
		t.Fatalf("ExecuteStep failed: %v", err)
	}
	if !res.Success || res.ExecutionType != engine.ExecutionTypeHuman {
		t.Errorf("Expected human success, got %+v", res)
	}
	if alg.Calls() != 1 {
		t.Errorf("Expected algorithmic to run once, got %d", alg.Calls())
	}
	if human.Calls() != 1 {
		t.Errorf("Expected human to run once, got %d", human.Calls())
	}
}

func TestExecuteStep_RetryableRetriesInPlace(t *testing.T) {
	alg := &fakeStrategy{typ: engine.ExecutionTypeAlgorithmic, fn: failWith(engine.ExecutionTypeAlgorithmic, true, "printer busy")}
	m := setupTestManager(t, testPolicy(engine.ExecutionTypeAlgorithmic), alg)

	res, err := m.ExecuteStep(context.Background(), testStep())
	if err == nil {
		t.Fatal("Expected chain exhaustion")
	}
	if engine.CodeOf(err) != engine.ErrCodeChainExhausted {
		t.Errorf("Expected CHAIN_EXHAUSTED, got %s", engine.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "printer busy") {
		t.Errorf("Expected last error message in %q", err.Error())
	}
	if alg.Calls() != 2 {
		t.Errorf("Expected exactly 2 attempts, got %d", alg.Calls())
	}
	if res == nil || res.Success || res.Attempts != 2 {
		t.Errorf("Expected last failed result with 2 attempts, got %+v", res)
	}
}

func TestExecuteStep_RetryThenSucceed(t *testing.T) {
	alg := &fakeStrategy{typ: engine.ExecutionTypeAlgorithmic, fn: func(_ context.Context, n int) (*Result, error) {
		if n == 1 {
			return nil, engine.NewTransientError("flaky network", nil)
		}
		return Succeeded(engine.ExecutionTypeAlgorithmic, nil), nil
	}}
	m := setupTestManager(t, testPolicy(engine.ExecutionTypeAlgorithmic), alg)

	res, err := m.ExecuteStep(context.Background(), testStep())
	if err != nil {
		t.Fatalf("ExecuteStep failed: %v", err)
	}
	if !res.Success || res.Attempts != 2 {
		t.Errorf("Expected success on attempt 2, got %+v", res)
	}
}

func TestExecuteStep_EffectiveChain(t *testing.T) {
	alg := &fakeStrategy{typ: engine.ExecutionTypeAlgorithmic, fn: succeedWith(engine.ExecutionTypeAlgorithmic)}
	ai := &fakeStrategy{typ: engine.ExecutionTypeAI, unavailable: true, fn: succeedWith(engine.ExecutionTypeAI)}
	human := &fakeStrategy{typ: engine.ExecutionTypeHuman, fn: succeedWith(engine.ExecutionTypeHuman)}

	policy := testPolicy(engine.ExecutionTypeAlgorithmic, engine.ExecutionTypeAI, engine.ExecutionTypeHuman)
	policy.AvailableTypes = []engine.ExecutionType{engine.ExecutionTypeAI, engine.ExecutionTypeHuman}
	m := setupTestManager(t, policy, alg, ai, human)

	res, err := m.ExecuteStep(context.Background(), testStep())
	if err != nil {
		t.Fatalf("ExecuteStep failed: %v", err)
	}
	if res.ExecutionType != engine.ExecutionTypeHuman {
		t.Errorf("Expected human (algorithmic not allowed, ai unavailable), got %s", res.ExecutionType)
	}
	if alg.Calls() != 0 || ai.Calls() != 0 {
		t.Errorf("Expected filtered strategies untouched, got alg=%d ai=%d", alg.Calls(), ai.Calls())
	}

	sc := testStep()
	sc.AllowedTypes = []engine.ExecutionType{engine.ExecutionTypeAlgorithmic}
	_, err = m.ExecuteStep(context.Background(), sc)
	if engine.CodeOf(err) != engine.ErrCodeChainExhausted {
		t.Errorf("Expected empty chain to exhaust, got %v", err)
	}
}

func TestExecuteStep_Timeout(t *testing.T) {
	slow := &fakeStrategy{typ: engine.ExecutionTypeAlgorithmic, fn: func(ctx context.Context, _ int) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	policy := testPolicy(engine.ExecutionTypeAlgorithmic)
	policy.MaxRetries = 1
	policy.ExecutionTimeout = 20 * time.Millisecond
	m := setupTestManager(t, policy, slow)

	res, err := m.ExecuteStep(context.Background(), testStep())
	if engine.CodeOf(err) != engine.ErrCodeChainExhausted {
		t.Fatalf("Expected CHAIN_EXHAUSTED, got %v", err)
	}
	if res.Error.Code != engine.ErrCodeTimeout || !res.Error.Retryable {
		t.Errorf("Expected retryable TIMEOUT, got %+v", res.Error)
	}
}

func TestExecuteStep_PanicBecomesFailure(t *testing.T) {
	boom := &fakeStrategy{typ: engine.ExecutionTypeAlgorithmic, fn: func(context.Context, int) (*Result, error) {
		panic("boom")
	}}
	policy := testPolicy(engine.ExecutionTypeAlgorithmic)
	policy.MaxRetries = 1
	m := setupTestManager(t, policy, boom)

	res, err := m.ExecuteStep(context.Background(), testStep())
	if err == nil || res == nil {
		t.Fatal("Expected failure")
	}
	if !strings.Contains(res.Error.Message, "boom") {
		t.Errorf("Expected panic message, got %q", res.Error.Message)
	}
}

func TestExecuteStep_CancelledStopsChain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	alg := &fakeStrategy{typ: engine.ExecutionTypeAlgorithmic, fn: func(context.Context, int) (*Result, error) {
		cancel()
		return Failed(engine.ExecutionTypeAlgorithmic, &ExecutionError{Code: "X", Message: "x"}), nil
	}}
	human := &fakeStrategy{typ: engine.ExecutionTypeHuman, fn: succeedWith(engine.ExecutionTypeHuman)}
	m := setupTestManager(t, testPolicy(engine.ExecutionTypeAlgorithmic, engine.ExecutionTypeHuman), alg, human)

	_, err := m.ExecuteStep(ctx, testStep())
	if engine.CodeOf(err) != engine.ErrCodeCancelled {
		t.Errorf("Expected CANCELLED, got %v", err)
	}
	if human.Calls() != 0 {
		t.Errorf("Expected human not to run after cancellation, got %d", human.Calls())
	}
}

func TestUpdatePolicy_RoundTrip(t *testing.T) {
	m := setupTestManager(t, DefaultPolicy())

	five := 5
	updated, err := m.UpdatePolicy(PolicyUpdate{MaxRetries: &five})
	if err != nil {
		t.Fatalf("UpdatePolicy failed: %v", err)
	}
	got := m.GetPolicy()
	if got.MaxRetries != 5 || updated.MaxRetries != 5 {
		t.Errorf("Expected maxRetries 5, got %d/%d", got.MaxRetries, updated.MaxRetries)
	}
	def := DefaultPolicy()
	if got.ExecutionTimeout != def.ExecutionTimeout || got.AllowHumanOverride != def.AllowHumanOverride || len(got.DefaultChain) != len(def.DefaultChain) {
		t.Errorf("Expected untouched fields preserved, got %+v", got)
	}

	zero := 0
	if _, err := m.UpdatePolicy(PolicyUpdate{MaxRetries: &zero}); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
	if m.GetPolicy().MaxRetries != 5 {
		t.Error("Expected rejected update to leave policy unchanged")
	}

	got.DefaultChain[0] = engine.ExecutionTypeHuman
	if m.GetPolicy().DefaultChain[0] != engine.ExecutionTypeAlgorithmic {
		t.Error("Expected GetPolicy to return a copy")
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(time.Second, tt.attempt); got != tt.want {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
	if backoffDelay(0, 3) != 0 {
		t.Error("Expected zero base to disable backoff")
	}
}

type denyGuard struct{}

func (denyGuard) AuthorizeOverride(context.Context, string, string) error {
	return errors.New("not a supervisor")
}

func TestRequestHumanOverride_Denials(t *testing.T) {
	policy := testPolicy(engine.ExecutionTypeAlgorithmic)
	policy.AllowHumanOverride = false
	m := setupTestManager(t, policy, NewHumanStrategy(nil))

	if _, err := m.RequestHumanOverride(context.Background(), "step-1", "alice"); engine.CodeOf(err) != engine.ErrCodeOverrideDenied {
		t.Errorf("Expected OVERRIDE_DENIED when disabled, got %v", err)
	}

	allow := true
	if _, err := m.UpdatePolicy(PolicyUpdate{AllowHumanOverride: &allow}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RequestHumanOverride(context.Background(), "step-1", "alice"); engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND for inactive step, got %v", err)
	}

	m.SetOverrideGuard(denyGuard{})
	if _, err := m.RequestHumanOverride(context.Background(), "step-1", "alice"); engine.CodeOf(err) != engine.ErrCodeOverrideDenied {
		t.Errorf("Expected guard denial, got %v", err)
	}
}

func TestRequestHumanOverride_ActiveStep(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	alg := &fakeStrategy{typ: engine.ExecutionTypeAlgorithmic, fn: func(ctx context.Context, _ int) (*Result, error) {
		close(started)
		<-release
		return Succeeded(engine.ExecutionTypeAlgorithmic, nil), nil
	}}
	human := NewHumanStrategy(nil)
	m := setupTestManager(t, testPolicy(engine.ExecutionTypeAlgorithmic), alg, human)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := m.ExecuteStep(context.Background(), testStep()); err != nil {
			t.Errorf("ExecuteStep failed: %v", err)
		}
	}()
	<-started

	type overrideResult struct {
		res *Result
		err error
	}
	done := make(chan overrideResult, 1)
	go func() {
		res, err := m.RequestHumanOverride(context.Background(), "step-1", "alice")
		done <- overrideResult{res, err}
	}()

	var tasks []HumanTask
	deadline := time.Now().Add(2 * time.Second)
	for len(tasks) == 0 && time.Now().Before(deadline) {
		tasks = human.Pending()
		time.Sleep(5 * time.Millisecond)
	}
	if len(tasks) != 1 {
		t.Fatalf("Expected one pending human task, got %d", len(tasks))
	}
	if tasks[0].OverrideBy != "alice" || tasks[0].StepID != "step-1" {
		t.Errorf("Unexpected task: %+v", tasks[0])
	}
	if err := human.Complete(tasks[0].ID, map[string]interface{}{"printed": true}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	out := <-done
	if out.err != nil || !out.res.Success || out.res.ExecutionType != engine.ExecutionTypeHuman {
		t.Errorf("Expected successful override, got %+v / %v", out.res, out.err)
	}

	close(release)
	wg.Wait()
}

func TestExecuteStep_PublishesEvents(t *testing.T) {
	tel := telemetry.NewNop()
	var mu sync.Mutex
	var seen []telemetry.EventType
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	}, telemetry.FilterByExecutionID("exec-1"))

	alg := &fakeStrategy{typ: engine.ExecutionTypeAlgorithmic, fn: failWith(engine.ExecutionTypeAlgorithmic, false, "nope")}
	human := &fakeStrategy{typ: engine.ExecutionTypeHuman, fn: succeedWith(engine.ExecutionTypeHuman)}
	m, err := NewManager(testPolicy(engine.ExecutionTypeAlgorithmic, engine.ExecutionTypeHuman), tel, alg, human)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ExecuteStep(context.Background(), testStep()); err != nil {
		t.Fatal(err)
	}

	want := []telemetry.EventType{
		telemetry.EventExecutionAttempt,
		telemetry.EventExecutionFailed,
		telemetry.EventExecutionAttempt,
		telemetry.EventExecutionCompleted,
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= len(want) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("Expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestToExecutionError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, engine.ErrCodeTimeout, true},
		{"cancelled", context.Canceled, engine.ErrCodeCancelled, false},
		{"transient", engine.NewTransientError("x", nil).WithCode("BUSY"), "BUSY", true},
		{"permanent", engine.NewPermanentError("x", nil), engine.ErrCodeExecutionFailed, false},
		{"plain", errors.New("x"), engine.ErrCodeExecutionFailed, true},
		{"execution error", &ExecutionError{Code: "HUMAN", Message: "no"}, "HUMAN", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToExecutionError(tt.err)
			if got.Code != tt.code || got.Retryable != tt.retryable {
				t.Errorf("Expected %s/%v, got %s/%v", tt.code, tt.retryable, got.Code, got.Retryable)
			}
		})
	}
}
