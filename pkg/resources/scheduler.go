package resources

import (
	"sync"
	"time"
)

// TaskScheduler runs delayed tasks keyed by id. It is owned by a single
// Manager so every pending timer can be cancelled when the manager closes.
type TaskScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewTaskScheduler creates an empty scheduler.
func NewTaskScheduler() *TaskScheduler {
	return &TaskScheduler{timers: make(map[string]*time.Timer)}
}

// Schedule runs fn after d unless the task is cancelled first. Scheduling an
// id that is already pending replaces the earlier task. It returns false once
// the scheduler is closed.
func (s *TaskScheduler) Schedule(id string, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if existing, ok := s.timers[id]; ok {
		existing.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		current, ok := s.timers[id]
		if !ok || current != timer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()

		fn()
	})
	s.timers[id] = timer
	return true
}

// Cancel stops a pending task and reports whether it was still pending.
func (s *TaskScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	return timer.Stop()
}

// Pending returns the number of tasks waiting to fire.
func (s *TaskScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close cancels every pending task and rejects new ones.
func (s *TaskScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
