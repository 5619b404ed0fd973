package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/circuit"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
)

// fakeStateStore is an in-memory CAS-respecting stand-in for the
// Postgres-backed State Store, letting the breaker's transition logic be
// exercised without a database.
type fakeStateStore struct {
	states map[string]circuit.BreakerState
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]circuit.BreakerState)}
}

func (f *fakeStateStore) GetCircuitState(ctx context.Context, triggerID string) (circuit.BreakerState, error) {
	if s, ok := f.states[triggerID]; ok {
		return s, nil
	}
	return circuit.New(triggerID), nil
}

func (f *fakeStateStore) SaveCircuitState(ctx context.Context, c circuit.BreakerState) (circuit.BreakerState, error) {
	current, ok := f.states[triggerID(c)]
	if ok && current.Version != c.Version {
		return circuit.BreakerState{}, circuit.ErrVersionConflict
	}
	c.Version++
	f.states[triggerID(c)] = c
	return c, nil
}

func triggerID(c circuit.BreakerState) string { return c.TriggerID }

func TestAllowRequest_ClosedCircuitAllows(t *testing.T) {
	store := newFakeStateStore()
	b := New(store)

	allowed, err := b.AllowRequest(context.Background(), "t-1", trigger.CircuitConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatal("expected a fresh (closed) circuit to allow requests")
	}
}

func TestRecordFailure_OpensCircuitAtThreshold(t *testing.T) {
	store := newFakeStateStore()
	b := New(store)
	cfg := trigger.CircuitConfig{FailureThreshold: 2}

	if err := b.RecordFailure(context.Background(), "t-1", cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ := store.GetCircuitState(context.Background(), "t-1")
	if s.State != circuit.Closed {
		t.Fatalf("expected circuit to stay closed after 1 of 2 failures, got %q", s.State)
	}

	if err := b.RecordFailure(context.Background(), "t-1", cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ = store.GetCircuitState(context.Background(), "t-1")
	if s.State != circuit.Open {
		t.Fatalf("expected circuit to open at threshold, got %q", s.State)
	}
}

func TestAllowRequest_OpenCircuitBlocksUntilRecovery(t *testing.T) {
	store := newFakeStateStore()
	opened := time.Now().UTC()
	store.states["t-1"] = circuit.BreakerState{
		TriggerID: "t-1", State: circuit.Open, FailureCount: 10, OpenedAt: &opened,
	}
	b := New(store)

	cfg := trigger.CircuitConfig{RecoveryTimeoutSeconds: 3600}
	allowed, err := b.AllowRequest(context.Background(), "t-1", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatal("expected an open circuit within recovery window to block")
	}
}

func TestAllowRequest_TransitionsToHalfOpenAfterRecovery(t *testing.T) {
	store := newFakeStateStore()
	openedLongAgo := time.Now().UTC().Add(-2 * time.Hour)
	store.states["t-1"] = circuit.BreakerState{
		TriggerID: "t-1", State: circuit.Open, FailureCount: 10, OpenedAt: &openedLongAgo,
	}
	b := New(store)

	cfg := trigger.CircuitConfig{RecoveryTimeoutSeconds: 1} // 1s recovery, already long elapsed
	allowed, err := b.AllowRequest(context.Background(), "t-1", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatal("expected circuit past recovery timeout to allow a half-open probe")
	}
	s, _ := store.GetCircuitState(context.Background(), "t-1")
	if s.State != circuit.HalfOpen {
		t.Fatalf("expected circuit to transition to half_open, got %q", s.State)
	}
}

func TestRecordFailure_DuringHalfOpenReopensImmediately(t *testing.T) {
	store := newFakeStateStore()
	store.states["t-1"] = circuit.BreakerState{
		TriggerID: "t-1", State: circuit.HalfOpen, HalfOpenInFlight: 1,
	}
	b := New(store)

	if err := b.RecordFailure(context.Background(), "t-1", trigger.CircuitConfig{FailureThreshold: 100}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ := store.GetCircuitState(context.Background(), "t-1")
	if s.State != circuit.Open {
		t.Fatalf("expected a half-open probe failure to reopen the circuit immediately, got %q", s.State)
	}
}

func TestRecordSuccess_ClosesAndResetsFailureCount(t *testing.T) {
	store := newFakeStateStore()
	store.states["t-1"] = circuit.BreakerState{TriggerID: "t-1", State: circuit.HalfOpen, HalfOpenInFlight: 1, FailureCount: 5}
	b := New(store)

	if err := b.RecordSuccess(context.Background(), "t-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ := store.GetCircuitState(context.Background(), "t-1")
	if s.State != circuit.Closed {
		t.Fatalf("expected success to close the circuit, got %q", s.State)
	}
	if s.FailureCount != 0 {
		t.Fatalf("expected failure count to reset to 0, got %d", s.FailureCount)
	}
}
