package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventPlaybookStarted   EventType = "playbook:started"
	EventPlaybookCompleted EventType = "playbook:completed"
	EventPlaybookFailed    EventType = "playbook:failed"
	EventPlaybookPaused    EventType = "playbook:paused"
	EventPlaybookResumed   EventType = "playbook:resumed"
	EventPlaybookCancelled EventType = "playbook:cancelled"

	EventStepStarted   EventType = "step:started"
	EventStepCompleted EventType = "step:completed"
	EventStepFailed    EventType = "step:failed"
	EventStepSkipped   EventType = "step:skipped"

	EventResourcesAllocated EventType = "resources:allocated"
	EventResourcesReleased  EventType = "resources:released"
	EventReservationExpired EventType = "reservation:expired"

	EventCapabilitiesResolved EventType = "capabilities:resolved"

	EventExecutionAttempt   EventType = "execution:attempt"
	EventExecutionCompleted EventType = "execution:completed"
	EventExecutionFailed    EventType = "execution:failed"

	EventHumanTaskCreated EventType = "human:task_created"
	EventPolicyUpdated    EventType = "policy:updated"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Event is a single lifecycle notification. Subscribers always receive
// their own copy, so mutating Data in a handler never leaks back.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	Source      string                 `json:"source"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	StepID      string                 `json:"step_id,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Level       string                 `json:"level"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	if e.Data != nil {
		out.Data = copyMap(e.Data)
	}
	return out
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return copyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i := range val {
			out[i] = copyValue(val[i])
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	default:
		return v
	}
}

// EventHandler receives events delivered by the bus.
type EventHandler func(event Event)

// EventFilter determines if an event should be delivered to a subscriber.
type EventFilter func(event Event) bool

type subscription struct {
	handler EventHandler
	filter  EventFilter
	queue   chan Event
}

// EventBus fans lifecycle events out to subscribers. Publish never blocks:
// when the bus buffer or a subscriber queue is full the event is dropped
// and counted. Each subscriber is served by its own goroutine, so one slow
// handler only loses its own events.
type EventBus struct {
	config  EventsConfig
	metrics *Metrics

	mu     sync.RWMutex
	subs   map[string]*subscription
	in     chan Event
	closed bool
	wg     sync.WaitGroup
}

// NewEventBus creates an event bus. A disabled bus accepts publishes and
// subscriptions but delivers nothing.
func NewEventBus(cfg EventsConfig, metrics *Metrics) *EventBus {
	b := &EventBus{
		config:  cfg,
		metrics: metrics,
		subs:    make(map[string]*subscription),
	}
	if !cfg.Enabled {
		return b
	}
	if b.config.BufferSize <= 0 {
		b.config.BufferSize = 1024
	}
	if b.config.SubscriberBuffer <= 0 {
		b.config.SubscriberBuffer = 256
	}

	b.in = make(chan Event, b.config.BufferSize)
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Publish queues an event for delivery and reports whether it was accepted.
func (b *EventBus) Publish(event Event) bool {
	if b == nil || b.in == nil {
		return false
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}
	// The publisher may keep mutating its map after Publish returns.
	event = event.Clone()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}

	select {
	case b.in <- event:
		return true
	default:
		b.metrics.RecordEventDropped()
		return false
	}
}

// Subscribe registers a handler and returns its subscription id.
// A nil filter receives every event.
func (b *EventBus) Subscribe(handler EventHandler, filter EventFilter) string {
	id := uuid.New().String()
	if b == nil || b.in == nil {
		return id
	}

	sub := &subscription{
		handler: handler,
		filter:  filter,
		queue:   make(chan Event, b.config.SubscriberBuffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return id
	}
	b.subs[id] = sub

	b.wg.Add(1)
	go b.serve(sub)
	return id
}

// Unsubscribe removes a subscription. Events already queued for it are
// still handed to its handler.
func (b *EventBus) Unsubscribe(id string) {
	if b == nil || b.in == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.queue)
	}
}

// Close stops accepting events, drains what is buffered, and waits for
// subscriber goroutines to finish or ctx to expire.
func (b *EventBus) Close(ctx context.Context) error {
	if b == nil || b.in == nil {
		return nil
	}

	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.in)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *EventBus) dispatch() {
	defer b.wg.Done()

	for event := range b.in {
		b.mu.RLock()
		for _, sub := range b.subs {
			if sub.filter != nil && !sub.filter(event) {
				continue
			}
			select {
			case sub.queue <- event.Clone():
			default:
				b.metrics.RecordEventDropped()
			}
		}
		b.mu.RUnlock()
	}

	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.queue)
	}
	b.mu.Unlock()
}

func (b *EventBus) serve(sub *subscription) {
	defer b.wg.Done()
	for event := range sub.queue {
		sub.handler(event)
	}
}

// FilterByType returns a filter that only accepts the given event types.
func FilterByType(types ...EventType) EventFilter {
	allowed := make(map[EventType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return func(event Event) bool {
		return allowed[event.Type]
	}
}

// FilterByExecutionID returns a filter for a single playbook execution.
func FilterByExecutionID(executionID string) EventFilter {
	return func(event Event) bool {
		return event.ExecutionID == executionID
	}
}

// FilterByLevel returns a filter that accepts events at or above minLevel.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	min := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= min
	}
}
