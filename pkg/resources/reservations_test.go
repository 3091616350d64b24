package resources

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/busyhq/busyrt/pkg/telemetry"
)

func deskReq() []ResourceRequirement {
	return []ResourceRequirement{{Name: "d", Priority: []PriorityItem{{Type: PrioritySpecific, Resource: "desk"}}}}
}

func TestReservation_Expires(t *testing.T) {
	tel := telemetry.NewNop()
	m := NewManager(tel)
	defer m.Close()

	expired := make(chan telemetry.Event, 1)
	tel.Events.Subscribe(func(e telemetry.Event) { expired <- e }, telemetry.FilterByType(telemetry.EventReservationExpired))

	res, err := m.ReserveResources("s1", deskReq(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("ReserveResources failed: %v", err)
	}
	if res.Status != ReservationPending {
		t.Fatalf("Expected pending, got %s", res.Status)
	}

	select {
	case e := <-expired:
		if e.StepID != "s1" {
			t.Errorf("Expected step s1, got %s", e.StepID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for expiry")
	}

	got, _ := m.GetReservation(res.ID)
	if got.Status != ReservationExpired {
		t.Errorf("Expected expired, got %s", got.Status)
	}
}

func TestReservation_ClaimedByAllocation(t *testing.T) {
	m := setupTestManager(t, ResourceDefinition{Name: "desk"})

	res, err := m.ReserveResources("s1", deskReq(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("ReserveResources failed: %v", err)
	}
	if r, _ := m.AllocateResources("s1", deskReq()); !r.Success {
		t.Fatal("Expected allocation to succeed")
	}

	time.Sleep(100 * time.Millisecond)
	got, _ := m.GetReservation(res.ID)
	if got.Status != ReservationAllocated {
		t.Errorf("Expected allocated reservation to survive its TTL, got %s", got.Status)
	}

	m.ReleaseResources("s1")
	got, _ = m.GetReservation(res.ID)
	if got.Status != ReservationReleased {
		t.Errorf("Expected released, got %s", got.Status)
	}
	if len(m.ListReservations()) != 1 {
		t.Error("Expected reservation to remain listed")
	}
}

func TestReservation_DefaultTTLAndValidation(t *testing.T) {
	m := setupTestManager(t)

	res, err := m.ReserveResources("s1", deskReq(), 0)
	if err != nil {
		t.Fatalf("ReserveResources failed: %v", err)
	}
	if ttl := res.ExpiresAt.Sub(res.ReservedAt); ttl != DefaultReservationTTL {
		t.Errorf("Expected default TTL, got %v", ttl)
	}

	m.SetDefaultReservationTTL(time.Hour)
	res, _ = m.ReserveResources("s3", deskReq(), 0)
	if ttl := res.ExpiresAt.Sub(res.ReservedAt); ttl != time.Hour {
		t.Errorf("Expected configured TTL, got %v", ttl)
	}

	if _, err := m.ReserveResources("", deskReq(), time.Minute); err == nil {
		t.Error("Expected error without step id")
	}
	if _, err := m.ReserveResources("s2", []ResourceRequirement{{Name: "x"}}, time.Minute); err == nil {
		t.Error("Expected error for empty priority chain")
	}
}

func TestReservation_CloseCancelsTimers(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.ReserveResources("s1", deskReq(), 30*time.Millisecond); err != nil {
		t.Fatalf("ReserveResources failed: %v", err)
	}
	m.Close()

	time.Sleep(80 * time.Millisecond)
	for _, r := range m.ListReservations() {
		if r.Status != ReservationPending {
			t.Errorf("Expected timer to be cancelled, got %s", r.Status)
		}
	}
	if _, err := m.ReserveResources("s2", deskReq(), time.Minute); err == nil {
		t.Error("Expected reservations to be rejected after close")
	}
}

func TestReservation_FinishedReservationsArePruned(t *testing.T) {
	m := setupTestManager(t, ResourceDefinition{Name: "desk"})
	m.SetReservationRetention(30 * time.Millisecond)

	expired, err := m.ReserveResources("s1", deskReq(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("ReserveResources failed: %v", err)
	}
	released, err := m.ReserveResources("s2", deskReq(), time.Hour)
	if err != nil {
		t.Fatalf("ReserveResources failed: %v", err)
	}
	live, err := m.ReserveResources("s3", deskReq(), time.Hour)
	if err != nil {
		t.Fatalf("ReserveResources failed: %v", err)
	}
	m.ReleaseResources("s2")

	if got, ok := m.GetReservation(released.ID); !ok || got.Status != ReservationReleased {
		t.Fatalf("Expected released reservation to stay listed during retention, got %+v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(m.ListReservations()) > 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := m.GetReservation(expired.ID); ok {
		t.Error("Expected expired reservation to be pruned")
	}
	if _, ok := m.GetReservation(released.ID); ok {
		t.Error("Expected released reservation to be pruned")
	}
	got, ok := m.GetReservation(live.ID)
	if !ok || got.Status != ReservationPending {
		t.Errorf("Expected pending reservation to be kept, got %+v", got)
	}

	m.SetReservationRetention(0)
	m.mu.RLock()
	retention := m.retention
	m.mu.RUnlock()
	if retention != DefaultReservationRetention {
		t.Errorf("Expected default retention, got %v", retention)
	}
}

func TestTaskScheduler(t *testing.T) {
	s := NewTaskScheduler()
	defer s.Close()

	var fired int32
	s.Schedule("a", 10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	s.Schedule("b", 10*time.Millisecond, func() { atomic.AddInt32(&fired, 10) })
	if !s.Cancel("b") {
		t.Error("Expected b to be pending")
	}
	if s.Cancel("missing") {
		t.Error("Expected missing task not to cancel")
	}

	// Rescheduling replaces the earlier task.
	s.Schedule("c", time.Hour, func() { atomic.AddInt32(&fired, 100) })
	s.Schedule("c", 10*time.Millisecond, func() { atomic.AddInt32(&fired, 1000) })

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 1001 {
		t.Errorf("Expected 1001, got %d", got)
	}
	if s.Pending() != 0 {
		t.Errorf("Expected no pending tasks, got %d", s.Pending())
	}
}
