package resources

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

// ReserveResources creates a pending reservation for a step that expires
// after ttl (the manager's default TTL when ttl is not positive). It does not
// allocate anything; a later successful allocation for the step claims it.
func (m *Manager) ReserveResources(stepID string, reqs []ResourceRequirement, ttl time.Duration) (*ResourceReservation, error) {
	if stepID == "" {
		return nil, engine.NewPermanentError("reservation requires a step id", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if _, err := CompileAll(reqs); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		m.mu.RLock()
		ttl = m.defaultTTL
		m.mu.RUnlock()
	}

	now := m.now()
	res := &ResourceReservation{
		ID:           uuid.New().String(),
		StepID:       stepID,
		Requirements: append([]ResourceRequirement(nil), reqs...),
		ReservedAt:   now,
		ExpiresAt:    now.Add(ttl),
		Status:       ReservationPending,
	}

	out := *res

	m.mu.Lock()
	m.reservations[res.ID] = res
	m.mu.Unlock()

	if !m.scheduler.Schedule(res.ID, ttl, func() { m.expireReservation(res.ID) }) {
		m.mu.Lock()
		delete(m.reservations, res.ID)
		m.mu.Unlock()
		return nil, engine.NewPermanentError("resource manager is closed", nil).
			WithCode(engine.ErrCodeInternal)
	}

	m.metrics.RecordReservation(string(ReservationPending))
	m.logger.WithStepID(stepID).Debugf("Reserved resources until %s", res.ExpiresAt.Format(time.RFC3339))

	return &out, nil
}

// SetDefaultReservationTTL changes the TTL used when ReserveResources is
// given none. Non-positive values restore DefaultReservationTTL.
func (m *Manager) SetDefaultReservationTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	m.mu.Lock()
	m.defaultTTL = ttl
	m.mu.Unlock()
}

// SetReservationRetention changes how long finished reservations stay
// listed. Non-positive values restore DefaultReservationRetention. Already
// scheduled removals keep their original delay.
func (m *Manager) SetReservationRetention(d time.Duration) {
	if d <= 0 {
		d = DefaultReservationRetention
	}
	m.mu.Lock()
	m.retention = d
	m.mu.Unlock()
}

// GetReservation returns a copy of a reservation.
func (m *Manager) GetReservation(id string) (ResourceReservation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[id]
	if !ok {
		return ResourceReservation{}, false
	}
	return *r, true
}

// ListReservations returns all reservations, oldest first.
func (m *Manager) ListReservations() []ResourceReservation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ResourceReservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	return out
}

func (m *Manager) expireReservation(id string) {
	m.mu.Lock()
	r, ok := m.reservations[id]
	if !ok || r.Status != ReservationPending {
		m.mu.Unlock()
		return
	}
	r.Status = ReservationExpired
	stepID := r.StepID
	m.schedulePurgeLocked(id)
	m.mu.Unlock()

	m.metrics.RecordReservation(string(ReservationExpired))
	m.logger.WithStepID(stepID).Infof("Reservation %s expired", id)
	m.events.Publish(telemetry.Event{
		Type:    telemetry.EventReservationExpired,
		Source:  "resource-manager",
		StepID:  stepID,
		Level:   telemetry.EventLevelWarning,
		Message: fmt.Sprintf("Reservation %s expired", id),
		Data:    map[string]interface{}{"reservation_id": id},
	})
}

// claimReservationsLocked marks the step's pending reservations allocated. Caller holds m.mu.
func (m *Manager) claimReservationsLocked(stepID string) {
	for _, r := range m.reservations {
		if r.StepID == stepID && r.Status == ReservationPending {
			m.scheduler.Cancel(r.ID)
			r.Status = ReservationAllocated
			m.metrics.RecordReservation(string(ReservationAllocated))
		}
	}
}

func purgeKey(id string) string { return "purge:" + id }

// schedulePurgeLocked drops a finished reservation once the retention
// window passes. Caller holds m.mu.
func (m *Manager) schedulePurgeLocked(id string) {
	m.scheduler.Schedule(purgeKey(id), m.retention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if r, ok := m.reservations[id]; ok && (r.Status == ReservationExpired || r.Status == ReservationReleased) {
			delete(m.reservations, id)
		}
	})
}
