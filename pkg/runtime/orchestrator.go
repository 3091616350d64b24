package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/busyhq/busyrt/pkg/capabilities"
	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/execution"
	"github.com/busyhq/busyrt/pkg/resources"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// DefaultHistoryLimit bounds the in-memory list of finished executions.
const DefaultHistoryLimit = 100

// errStopped is returned internally when a run was cancelled or finished
// underneath the driver.
var errStopped = errors.New("execution stopped")

// Options configures an Orchestrator.
type Options struct {
	// Source resolves playbook names. Required.
	Source DefinitionSource
	// Repository persists executions when set.
	Repository ExecutionRepository
	// Admission gates each step after allocation when set.
	Admission AdmissionGuard
	// HistoryLimit defaults to DefaultHistoryLimit.
	HistoryLimit int
	Telemetry    *telemetry.Telemetry
}

type run struct {
	exec *PlaybookExecution
	def  *PlaybookDefinition

	paused bool
	gate   chan struct{}

	stopped  bool
	finished bool
	cancel   chan struct{}
	done     chan struct{}
}

// Orchestrator drives playbook executions step by step over the resource,
// capability and execution managers.
type Orchestrator struct {
	resources    *resources.Manager
	capabilities *capabilities.Resolver
	execution    *execution.Manager

	source    DefinitionSource
	repo      ExecutionRepository
	admission AdmissionGuard
	validate  *validator.Validate

	mu           sync.RWMutex
	active       map[string]*run
	history      []*PlaybookExecution
	historyLimit int
	completed    int
	failed       int
	closed       bool

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
	events  *telemetry.EventBus
}

// NewOrchestrator wires the three managers together.
func NewOrchestrator(res *resources.Manager, caps *capabilities.Resolver, exec *execution.Manager, opts Options) (*Orchestrator, error) {
	if res == nil || caps == nil || exec == nil {
		return nil, fmt.Errorf("resource, capability and execution managers are required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("definition source is required")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		resources:    res,
		capabilities: caps,
		execution:    exec,
		source:       opts.Source,
		repo:         opts.Repository,
		admission:    opts.Admission,
		validate:     validator.New(),
		active:       make(map[string]*run),
		historyLimit: opts.HistoryLimit,
		ctx:          ctx,
		stop:         stop,
		logger:       tel.Logger.NewComponentLogger("orchestrator"),
		tracer:       tel.Tracer,
		metrics:      tel.Metrics,
		events:       tel.Events,
	}, nil
}

// ExecutePlaybook runs a playbook to the end and returns its final record.
// The error is non-nil only when the playbook could not be started; a run
// that fails is reported through Status and Error.
func (o *Orchestrator) ExecutePlaybook(ctx context.Context, name string, inputs, metadata map[string]interface{}) (*PlaybookExecution, error) {
	r, err := o.prepare(name, inputs, metadata)
	if err != nil {
		return nil, err
	}
	o.drive(ctx, r)
	return o.snapshot(r), nil
}

// StartPlaybook starts a playbook in the background and returns its id.
func (o *Orchestrator) StartPlaybook(name string, inputs, metadata map[string]interface{}) (string, error) {
	r, err := o.prepare(name, inputs, metadata)
	if err != nil {
		return "", err
	}
	go o.drive(o.ctx, r)
	return r.exec.ID, nil
}

// WaitForCompletion blocks until the execution finishes or ctx ends.
func (o *Orchestrator) WaitForCompletion(ctx context.Context, id string) (*PlaybookExecution, error) {
	o.mu.RLock()
	r, ok := o.active[id]
	o.mu.RUnlock()
	if ok {
		select {
		case <-r.done:
			return o.snapshot(r), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.GetExecutionStatus(ctx, id)
}

func (o *Orchestrator) prepare(name string, inputs, metadata map[string]interface{}) (*run, error) {
	def, err := o.source.GetPlaybook(name)
	if err != nil {
		return nil, err
	}
	if err := o.validateDefinition(def); err != nil {
		return nil, err
	}

	now := time.Now()
	exec := &PlaybookExecution{
		ID:           uuid.New().String(),
		PlaybookName: def.Name,
		Status:       engine.PlaybookStatusPending,
		StartTime:    now,
		Inputs:       copyMap(inputs),
		Outputs:      make(map[string]interface{}),
		Metadata:     copyMap(metadata),
	}
	for _, sd := range def.Steps {
		exec.Steps = append(exec.Steps, &StepExecution{
			ID:           uuid.New().String(),
			Name:         sd.Name,
			Status:       engine.StepStatusPending,
			Method:       sd.Method,
			Requirements: sd.Requirements,
		})
	}

	r := &run{exec: exec, def: def, cancel: make(chan struct{}), done: make(chan struct{})}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, engine.NewPermanentError("orchestrator is closed", nil).WithCode(engine.ErrCodeCancelled)
	}
	if err := exec.Status.Transition(engine.PlaybookStatusRunning); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	exec.Status = engine.PlaybookStatusRunning
	o.active[exec.ID] = r
	o.wg.Add(1)
	snap := exec.Clone()
	o.mu.Unlock()

	o.logger.WithExecutionID(exec.ID).Infof("Starting playbook %s with %d steps", def.Name, len(def.Steps))
	o.metrics.RecordPlaybookStarted(def.Name)
	o.publish(telemetry.EventPlaybookStarted, exec.ID, "", telemetry.EventLevelInfo,
		fmt.Sprintf("Playbook %s started", def.Name),
		map[string]interface{}{"playbook": def.Name, "steps": len(def.Steps)})
	o.persist(snap)
	return r, nil
}

// ValidatePlaybook runs the start-time definition checks for name without
// starting an execution.
func (o *Orchestrator) ValidatePlaybook(name string) error {
	def, err := o.source.GetPlaybook(name)
	if err != nil {
		return err
	}
	return o.validateDefinition(def)
}

// validateDefinition fails fast on anything that would only surface mid-run.
func (o *Orchestrator) validateDefinition(def *PlaybookDefinition) error {
	if err := o.validate.Struct(def); err != nil {
		return engine.NewDefinitionError(def.Name, fmt.Sprintf("invalid playbook definition: %v", err))
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, sd := range def.Steps {
		if seen[sd.Name] {
			return engine.NewDefinitionError(def.Name, fmt.Sprintf("duplicate step name %q", sd.Name))
		}
		seen[sd.Name] = true

		if _, err := resources.CompileAll(sd.Requirements); err != nil {
			return err
		}
		for _, t := range sd.ExecutionTypes {
			if err := t.Validate(); err != nil {
				return engine.NewDefinitionError(sd.Name, err.Error())
			}
		}
		if sd.Implementation != "" && !o.hasImplementation(sd.Implementation) {
			return engine.NewDefinitionError(sd.Name, fmt.Sprintf("implementation %q is not registered", sd.Implementation))
		}
		for _, c := range sd.Capabilities {
			if _, ok := o.capabilities.GetDefinition(c); !ok {
				return engine.NewDefinitionError(sd.Name, fmt.Sprintf("unknown capability %q", c)).
					WithCode(engine.ErrCodeCapabilityNotFound)
			}
		}
	}
	return nil
}

type implementationRegistry interface {
	Has(name string) bool
}

func (o *Orchestrator) hasImplementation(name string) bool {
	s, ok := o.execution.GetStrategy(engine.ExecutionTypeAlgorithmic)
	if !ok {
		return false
	}
	reg, ok := s.(implementationRegistry)
	return ok && reg.Has(name)
}

// drive runs the steps of r strictly in order.
func (o *Orchestrator) drive(ctx context.Context, r *run) {
	defer o.wg.Done()

	ctx, span := o.tracer.StartPlaybookSpan(ctx, r.exec.ID, r.def.Name)
	rolling := copyMap(r.exec.Inputs)
	if rolling == nil {
		rolling = make(map[string]interface{})
	}

	var runErr error
	for i := range r.def.Steps {
		if !o.awaitBoundary(ctx, r) {
			telemetry.EndSpan(span, errStopped)
			return
		}
		outputs, err := o.runStep(ctx, r, i, rolling)
		if errors.Is(err, errStopped) {
			telemetry.EndSpan(span, err)
			return
		}
		if err != nil {
			runErr = err
			break
		}
		for k, v := range outputs {
			rolling[k] = v
		}
	}

	if runErr != nil {
		o.finish(r, engine.PlaybookStatusFailed, runErr, telemetry.EventPlaybookFailed)
	} else if o.awaitBoundary(ctx, r) {
		o.finish(r, engine.PlaybookStatusCompleted, nil, telemetry.EventPlaybookCompleted)
	}
	telemetry.EndSpan(span, runErr)
}

// awaitBoundary holds the driver while r is paused. It returns false when
// the run must not continue.
func (o *Orchestrator) awaitBoundary(ctx context.Context, r *run) bool {
	for {
		if err := ctx.Err(); err != nil {
			o.finish(r, engine.PlaybookStatusFailed, err, telemetry.EventPlaybookFailed)
			return false
		}

		o.mu.Lock()
		if r.stopped || r.finished {
			o.mu.Unlock()
			return false
		}
		if !r.paused {
			o.mu.Unlock()
			return true
		}
		gate := r.gate
		o.mu.Unlock()

		select {
		case <-gate:
		case <-r.cancel:
			return false
		case <-ctx.Done():
		}
	}
}

// update applies fn to the live record unless the run has been stopped.
func (o *Orchestrator) update(r *run, fn func(e *PlaybookExecution)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r.stopped || r.finished {
		return false
	}
	fn(r.exec)
	return true
}

// runStep executes one step. Its resources are released on every path.
func (o *Orchestrator) runStep(ctx context.Context, r *run, i int, rolling map[string]interface{}) (map[string]interface{}, error) {
	sd := r.def.Steps[i]
	step := r.exec.Steps[i]
	execID := r.exec.ID
	logger := o.logger.WithExecutionID(execID).WithStepID(step.ID)

	inputs := copyMap(rolling)
	for k, v := range sd.Inputs {
		inputs[k] = v
	}

	start := time.Now()
	if !o.update(r, func(e *PlaybookExecution) {
		e.CurrentStep = i
		step.Status = engine.StepStatusRunning
		step.StartTime = &start
		step.Inputs = copyMap(inputs)
	}) {
		return nil, errStopped
	}

	o.publish(telemetry.EventStepStarted, execID, step.ID, telemetry.EventLevelInfo,
		fmt.Sprintf("Step %s started", sd.Name), map[string]interface{}{"step": sd.Name, "index": i})
	ctx, span := o.tracer.StartStepSpan(ctx, execID, step.ID)
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": traceID,
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	defer func() {
		if released := o.resources.ReleaseResources(step.ID); len(released) > 0 {
			logger.Debugf("Released %d resource(s)", len(released))
		}
	}()

	result, err := o.dispatchStep(ctx, r, sd, step, inputs)

	end := time.Now()
	var outputs map[string]interface{}
	if err == nil && result != nil {
		outputs = result.Outputs
	}
	if !o.update(r, func(e *PlaybookExecution) {
		step.EndTime = &end
		if result != nil {
			step.ExecutionResult = result
		}
		if err != nil {
			step.Status = engine.StepStatusFailed
			step.Errors = append(step.Errors, err.Error())
			return
		}
		step.Status = engine.StepStatusCompleted
		step.Outputs = copyMap(outputs)
		for k, v := range outputs {
			e.Outputs[k] = v
		}
	}) {
		telemetry.EndSpan(span, errStopped)
		return nil, errStopped
	}
	telemetry.EndSpan(span, err)

	execType := "none"
	if result != nil {
		execType = string(result.ExecutionType)
	}
	if err != nil {
		logger.WithError(err).Warnf("Step %s failed", sd.Name)
		o.metrics.RecordStepFinished(string(engine.StepStatusFailed), execType, end.Sub(start))
		o.metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
		o.publish(telemetry.EventStepFailed, execID, step.ID, telemetry.EventLevelError,
			fmt.Sprintf("Step %s failed: %v", sd.Name, err),
			map[string]interface{}{"step": sd.Name, "code": engine.CodeOf(err)})
		return nil, err
	}

	logger.Infof("Step %s completed via %s", sd.Name, execType)
	o.metrics.RecordStepFinished(string(engine.StepStatusCompleted), execType, end.Sub(start))
	o.publish(telemetry.EventStepCompleted, execID, step.ID, telemetry.EventLevelInfo,
		fmt.Sprintf("Step %s completed", sd.Name),
		map[string]interface{}{"step": sd.Name, "executionType": execType})
	return outputs, nil
}

// dispatchStep resolves capabilities, allocates resources, asks for
// admission and hands the step to the execution manager.
func (o *Orchestrator) dispatchStep(ctx context.Context, r *run, sd StepDefinition, step *StepExecution, inputs map[string]interface{}) (*execution.Result, error) {
	bindings := make(map[string]string)

	if len(sd.Capabilities) > 0 {
		res, err := o.capabilities.ResolveCapabilities(capabilities.ResolutionContext{
			RequiredCapabilities: sd.Capabilities,
			AvailableProviders:   sd.AvailableProviders,
			Constraints:          sd.Constraints,
			PreferredProvider:    sd.PreferredProvider,
		})
		if err != nil {
			return nil, err
		}

		var unresolved, warnings []string
		for _, c := range res.Conflicts {
			if c.Type == capabilities.ConflictUnresolved {
				unresolved = append(unresolved, c.Message)
			} else {
				warnings = append(warnings, c.Message)
			}
		}
		warnings = append(warnings, res.Warnings...)
		for _, rc := range res.Resolved {
			bindings[rc.Capability] = rc.Provider.ID
		}
		o.update(r, func(*PlaybookExecution) {
			step.Bindings = bindings
			step.Warnings = append(step.Warnings, warnings...)
		})
		if len(unresolved) > 0 {
			return nil, engine.NewDefinitionError(sd.Name, strings.Join(unresolved, "; ")).
				WithCode(engine.ErrCodeCapabilityNotFound)
		}
	}

	resourceNames := make(map[string]string)
	if len(sd.Requirements) > 0 {
		alloc, err := o.resources.AllocateResources(step.ID, sd.Requirements)
		if err != nil {
			return nil, err
		}
		for _, a := range alloc.Allocated {
			resourceNames[a.Name] = a.Resource.Name
		}
		if !o.update(r, func(*PlaybookExecution) {
			step.AllocatedResources = alloc.Allocated
			step.Warnings = append(step.Warnings, alloc.Warnings...)
		}) {
			return nil, errStopped
		}
		if !alloc.Success {
			return nil, allocationError(sd.Name, alloc.Failures)
		}
	}

	if o.admission != nil {
		input := admissionInput(r.exec.ID, r.def.Name, sd, step.ID, bindings)
		o.mu.RLock()
		input["allocations"] = allocationsInput(step.AllocatedResources)
		o.mu.RUnlock()
		if err := o.admission.AdmitStep(ctx, input); err != nil {
			return nil, engine.NewPermanentError("step admission denied", err).
				WithCode(engine.ErrCodeAdmissionDenied).
				WithResource(sd.Name)
		}
	}

	return o.execution.ExecuteStep(ctx, &execution.StepContext{
		ExecutionID:    r.exec.ID,
		StepID:         step.ID,
		StepName:       sd.Name,
		Method:         sd.Method,
		Implementation: sd.Implementation,
		Inputs:         inputs,
		Resources:      resourceNames,
		Bindings:       bindings,
		AllowedTypes:   sd.ExecutionTypes,
		Metadata:       map[string]interface{}{"playbook": r.def.Name},
	})
}

// allocationError classifies a failed allocation. When every failed
// requirement only lost to busy resources the error is a conflict, which
// callers may retry once the holders release.
func allocationError(stepName string, failures []resources.AllocationFailure) *engine.EngineError {
	msg := fmt.Sprintf("resource allocation failed: %s", describeFailures(failures))
	busy := len(failures) > 0
	for _, f := range failures {
		if f.Reason != resources.ReasonAllBusy {
			busy = false
			break
		}
	}
	var err *engine.EngineError
	if busy {
		err = engine.NewConflictError(msg, nil)
	} else {
		err = engine.NewPermanentError(msg, nil)
	}
	return err.WithCode(engine.ErrCodeAllocationFailed).
		WithResource(stepName).
		WithDetail("failures", failures)
}

func describeFailures(failures []resources.AllocationFailure) string {
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = fmt.Sprintf("%s: %s", f.Requirement, f.Reason)
		if len(f.Alternatives) > 0 {
			parts[i] += fmt.Sprintf(" (alternatives: %s)", strings.Join(f.Alternatives, ", "))
		}
	}
	return strings.Join(parts, "; ")
}

func admissionInput(execID, playbook string, sd StepDefinition, stepID string, bindings map[string]string) map[string]interface{} {
	b := make(map[string]interface{}, len(bindings))
	for k, v := range bindings {
		b[k] = v
	}
	return map[string]interface{}{
		"executionId": execID,
		"playbook":    playbook,
		"step":        sd.Name,
		"stepId":      stepID,
		"method":      sd.Method,
		"bindings":    b,
	}
}

func allocationsInput(allocated []resources.AllocatedResource) []interface{} {
	out := make([]interface{}, len(allocated))
	for i, a := range allocated {
		out[i] = map[string]interface{}{
			"name":     a.Name,
			"resource": a.Resource.Name,
			"tier":     string(a.Tier),
			"priority": a.Priority,
			"warning":  a.Warning,
		}
	}
	return out
}

// finish moves r into history. Only the first call has any effect.
func (o *Orchestrator) finish(r *run, status engine.PlaybookStatus, cause error, event telemetry.EventType) {
	o.mu.Lock()
	if r.finished {
		o.mu.Unlock()
		return
	}
	r.finished = true

	e := r.exec
	if !e.Status.CanTransition(status) {
		o.logger.WithExecutionID(e.ID).Warnf("Forcing playbook status %s -> %s", e.Status, status)
	}
	now := time.Now()
	e.Status = status
	e.EndTime = &now
	if cause != nil {
		e.Error = cause.Error()
	}
	var skipped []*StepExecution
	for _, s := range e.Steps {
		if s.Status == engine.StepStatusPending {
			s.Status = engine.StepStatusSkipped
			skipped = append(skipped, s)
		}
	}

	delete(o.active, e.ID)
	o.history = append(o.history, e)
	o.trimHistoryLocked()
	if status == engine.PlaybookStatusCompleted {
		o.completed++
	} else {
		o.failed++
	}
	snap := e.Clone()
	o.mu.Unlock()
	defer close(r.done)

	for _, s := range skipped {
		o.publish(telemetry.EventStepSkipped, e.ID, s.ID, telemetry.EventLevelInfo,
			fmt.Sprintf("Step %s skipped", s.Name),
			map[string]interface{}{"step": s.Name, "playbookStatus": string(status)})
	}

	level := telemetry.EventLevelInfo
	logger := o.logger.WithExecutionID(e.ID)
	if status == engine.PlaybookStatusFailed {
		level = telemetry.EventLevelError
		logger.Warnf("Playbook %s failed: %s", snap.PlaybookName, snap.Error)
	} else {
		logger.Infof("Playbook %s completed in %s", snap.PlaybookName, snap.Duration())
	}

	o.metrics.RecordPlaybookFinished(snap.PlaybookName, string(status), snap.Duration())
	o.publish(event, snap.ID, "", level, fmt.Sprintf("Playbook %s %s", snap.PlaybookName, status),
		map[string]interface{}{"playbook": snap.PlaybookName, "status": string(status), "error": snap.Error})
	o.persist(snap)
}

func (o *Orchestrator) trimHistoryLocked() {
	if extra := len(o.history) - o.historyLimit; extra > 0 {
		o.history = append([]*PlaybookExecution(nil), o.history[extra:]...)
	}
}

func notActive(id string) error {
	return engine.NewPermanentError("execution not found or not active", nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}

// PauseExecution holds a running execution at the next step boundary.
func (o *Orchestrator) PauseExecution(id string) error {
	o.mu.Lock()
	r, ok := o.active[id]
	if !ok || r.stopped {
		o.mu.Unlock()
		return notActive(id)
	}
	if err := r.exec.Status.Transition(engine.PlaybookStatusPaused); err != nil {
		o.mu.Unlock()
		return err
	}
	r.exec.Status = engine.PlaybookStatusPaused
	r.paused = true
	r.gate = make(chan struct{})
	snap := r.exec.Clone()
	o.mu.Unlock()

	o.logger.WithExecutionID(id).Info("Playbook paused")
	o.publish(telemetry.EventPlaybookPaused, id, "", telemetry.EventLevelInfo, "Playbook paused", nil)
	o.persist(snap)
	return nil
}

// ResumeExecution releases a paused execution.
func (o *Orchestrator) ResumeExecution(id string) error {
	o.mu.Lock()
	r, ok := o.active[id]
	if !ok || r.stopped {
		o.mu.Unlock()
		return notActive(id)
	}
	if r.exec.Status != engine.PlaybookStatusPaused {
		o.mu.Unlock()
		return engine.NewPermanentError(fmt.Sprintf("cannot resume playbook in status %s", r.exec.Status), nil).
			WithCode(engine.ErrCodeInvalidTransition).
			WithResource(id)
	}
	r.exec.Status = engine.PlaybookStatusRunning
	r.paused = false
	close(r.gate)
	snap := r.exec.Clone()
	o.mu.Unlock()

	o.logger.WithExecutionID(id).Info("Playbook resumed")
	o.publish(telemetry.EventPlaybookResumed, id, "", telemetry.EventLevelInfo, "Playbook resumed", nil)
	o.persist(snap)
	return nil
}

// CancelExecution fails an active execution and releases the resources of
// every step before removing it from the active set. A strategy already
// running is not interrupted; its result is discarded.
func (o *Orchestrator) CancelExecution(id string) error {
	o.mu.Lock()
	r, ok := o.active[id]
	if !ok || r.stopped {
		o.mu.Unlock()
		return notActive(id)
	}
	r.stopped = true
	close(r.cancel)

	now := time.Now()
	stepIDs := make([]string, len(r.exec.Steps))
	for i, s := range r.exec.Steps {
		stepIDs[i] = s.ID
		if s.Status == engine.StepStatusRunning {
			s.Status = engine.StepStatusFailed
			s.EndTime = &now
			s.Errors = append(s.Errors, "playbook cancelled")
		}
	}
	o.mu.Unlock()

	released := 0
	for _, sid := range stepIDs {
		released += len(o.resources.ReleaseResources(sid))
	}
	o.logger.WithExecutionID(id).Infof("Playbook cancelled, released %d resource(s)", released)

	o.finish(r, engine.PlaybookStatusFailed, errors.New("cancelled"), telemetry.EventPlaybookCancelled)
	return nil
}

// GetExecutionStatus returns a copy of an active or finished execution.
func (o *Orchestrator) GetExecutionStatus(ctx context.Context, id string) (*PlaybookExecution, error) {
	o.mu.RLock()
	if r, ok := o.active[id]; ok {
		snap := r.exec.Clone()
		o.mu.RUnlock()
		return snap, nil
	}
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].ID == id {
			snap := o.history[i].Clone()
			o.mu.RUnlock()
			return snap, nil
		}
	}
	o.mu.RUnlock()

	if o.repo != nil {
		return o.repo.GetExecution(ctx, id)
	}
	return nil, engine.NewPermanentError("execution not found", nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}

// ListActiveExecutions returns copies of active executions, oldest first.
func (o *Orchestrator) ListActiveExecutions() []*PlaybookExecution {
	o.mu.RLock()
	out := make([]*PlaybookExecution, 0, len(o.active))
	for _, r := range o.active {
		out = append(out, r.exec.Clone())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListExecutionHistory returns up to limit finished executions, newest
// first. A limit of zero or less returns all retained history.
func (o *Orchestrator) ListExecutionHistory(limit int) []*PlaybookExecution {
	o.mu.RLock()
	defer o.mu.RUnlock()

	n := len(o.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*PlaybookExecution, 0, n)
	for i := len(o.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, o.history[i].Clone())
	}
	return out
}

type humanInbox interface {
	Pending() []execution.HumanTask
}

// GetRuntimeStats returns a snapshot across all managers.
func (o *Orchestrator) GetRuntimeStats() RuntimeStats {
	o.mu.RLock()
	stats := RuntimeStats{
		ActiveExecutions:    len(o.active),
		CompletedExecutions: o.completed,
		FailedExecutions:    o.failed,
	}
	o.mu.RUnlock()

	stats.Resources = o.resources.GetUtilizationStats()
	stats.Reservations = o.resources.ListReservations()
	stats.Marketplace = o.capabilities.GetMarketplaceInfo()
	stats.Policy = o.execution.GetPolicy()
	stats.Strategies = o.execution.AvailableStrategies()
	if s, ok := o.execution.GetStrategy(engine.ExecutionTypeHuman); ok {
		if inbox, ok := s.(humanInbox); ok {
			stats.PendingHumanTasks = len(inbox.Pending())
		}
	}
	return stats
}

// UpdateConfig applies a partial configuration. Running executions pick up
// a new policy at their next step.
func (o *Orchestrator) UpdateConfig(update ConfigUpdate) error {
	if update.HistoryLimit != nil && *update.HistoryLimit <= 0 {
		return engine.NewPermanentError(fmt.Sprintf("historyLimit must be positive, got %d", *update.HistoryLimit), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if update.Policy != nil && !update.Policy.IsEmpty() {
		if _, err := o.execution.UpdatePolicy(*update.Policy); err != nil {
			return err
		}
	}
	if update.HistoryLimit != nil {
		o.mu.Lock()
		o.historyLimit = *update.HistoryLimit
		o.trimHistoryLocked()
		o.mu.Unlock()
	}
	o.logger.Info("Runtime configuration updated")
	return nil
}

// Close stops accepting playbooks, cancels background runs and waits for
// their drivers to return.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) snapshot(r *run) *PlaybookExecution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return r.exec.Clone()
}

func (o *Orchestrator) persist(exec *PlaybookExecution) {
	if o.repo == nil {
		return
	}
	if err := o.repo.SaveExecution(context.Background(), exec); err != nil {
		o.logger.WithExecutionID(exec.ID).WithError(err).Warn("Failed to persist execution")
	}
}

func (o *Orchestrator) publish(t telemetry.EventType, execID, stepID, level, msg string, data map[string]interface{}) {
	o.events.Publish(telemetry.Event{
		Type:        t,
		Source:      "orchestrator",
		ExecutionID: execID,
		StepID:      stepID,
		Message:     msg,
		Level:       level,
		Data:        data,
	})
}
