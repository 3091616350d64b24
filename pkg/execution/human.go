package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// HumanTask is a step waiting for a person.
type HumanTask struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"executionId"`
	StepID      string                 `json:"stepId"`
	StepName    string                 `json:"stepName"`
	Method      string                 `json:"method,omitempty"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Resources   map[string]string      `json:"resources,omitempty"`
	OverrideBy  string                 `json:"overrideBy,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

type humanOutcome struct {
	outputs map[string]interface{}
	reason  string
	ok      bool
}

type pendingTask struct {
	task HumanTask
	done chan humanOutcome
}

// HumanStrategy parks each step in an inbox until Complete or Reject is
// called, or the attempt context ends.
type HumanStrategy struct {
	mu    sync.Mutex
	tasks map[string]*pendingTask

	logger *telemetry.Logger
	events *telemetry.EventBus
}

// NewHumanStrategy creates an empty inbox. A nil tel disables instrumentation.
func NewHumanStrategy(tel *telemetry.Telemetry) *HumanStrategy {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &HumanStrategy{
		tasks:  make(map[string]*pendingTask),
		logger: tel.Logger.NewComponentLogger("human-inbox"),
		events: tel.Events,
	}
}

func (h *HumanStrategy) Type() engine.ExecutionType { return engine.ExecutionTypeHuman }
func (h *HumanStrategy) Available() bool            { return true }
func (h *HumanStrategy) Priority() int              { return 10 }

// Execute files a task and blocks until it is resolved.
func (h *HumanStrategy) Execute(ctx context.Context, sc *StepContext) (*Result, error) {
	p := &pendingTask{
		task: HumanTask{
			ID:          uuid.New().String(),
			ExecutionID: sc.ExecutionID,
			StepID:      sc.StepID,
			StepName:    sc.StepName,
			Method:      sc.Method,
			Inputs:      sc.Inputs,
			Resources:   sc.Resources,
			CreatedAt:   time.Now(),
		},
		done: make(chan humanOutcome, 1),
	}
	if by, ok := sc.Metadata["overrideBy"].(string); ok {
		p.task.OverrideBy = by
	}

	h.mu.Lock()
	h.tasks[p.task.ID] = p
	h.mu.Unlock()

	h.logger.WithStepID(sc.StepID).Infof("Human task %s created", p.task.ID)
	h.events.Publish(telemetry.Event{
		Type:        telemetry.EventHumanTaskCreated,
		Source:      "human-inbox",
		ExecutionID: sc.ExecutionID,
		StepID:      sc.StepID,
		Message:     fmt.Sprintf("Human task %s created for step %s", p.task.ID, sc.StepName),
		Data:        map[string]interface{}{"taskId": p.task.ID, "method": sc.Method},
	})

	select {
	case out := <-p.done:
		if !out.ok {
			return Failed(h.Type(), &ExecutionError{
				Code:    engine.ErrCodeExecutionFailed,
				Message: fmt.Sprintf("human task rejected: %s", out.reason),
			}), nil
		}
		if out.outputs == nil {
			out.outputs = map[string]interface{}{}
		}
		return Succeeded(h.Type(), out.outputs), nil
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.tasks, p.task.ID)
		h.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Pending lists open tasks, oldest first.
func (h *HumanStrategy) Pending() []HumanTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HumanTask, 0, len(h.tasks))
	for _, p := range h.tasks {
		out = append(out, p.task)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Complete resolves a task successfully with outputs.
func (h *HumanStrategy) Complete(taskID string, outputs map[string]interface{}) error {
	return h.resolve(taskID, humanOutcome{outputs: outputs, ok: true})
}

// Reject resolves a task as failed. The rejection is not retried in place.
func (h *HumanStrategy) Reject(taskID, reason string) error {
	return h.resolve(taskID, humanOutcome{reason: reason})
}

func (h *HumanStrategy) resolve(taskID string, out humanOutcome) error {
	h.mu.Lock()
	p, ok := h.tasks[taskID]
	if ok {
		delete(h.tasks, taskID)
	}
	h.mu.Unlock()

	if !ok {
		return engine.NewPermanentError("human task not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(taskID)
	}
	p.done <- out
	return nil
}
