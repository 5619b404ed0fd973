// Package breaker implements the Circuit Breaker (C8): a persisted,
// per-trigger state machine (closed/open/half_open), adapted from the
// teacher's in-memory internal/notifications.ProtectedNotifier into a
// CAS-retried Postgres-backed version so state survives process restarts
// and is shared across every worker/evaluator instance.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/circuit"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
)

const maxCASRetries = 3

var ErrCircuitOpen = errors.New("circuit breaker open")

// StateStore is the persistence surface the breaker needs.
type StateStore interface {
	GetCircuitState(ctx context.Context, triggerID string) (circuit.BreakerState, error)
	SaveCircuitState(ctx context.Context, c circuit.BreakerState) (circuit.BreakerState, error)
}

type Breaker struct {
	store StateStore
}

func New(store StateStore) *Breaker {
	return &Breaker{store: store}
}

func resolveConfig(cfg trigger.CircuitConfig) (failureThreshold int, recovery time.Duration, halfOpenMax int) {
	failureThreshold = cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = circuit.DefaultFailureThreshold
	}
	recoverySeconds := cfg.RecoveryTimeoutSeconds
	if recoverySeconds <= 0 {
		recoverySeconds = circuit.DefaultRecoveryTimeoutSeconds
	}
	halfOpenMax = cfg.HalfOpenMaxCalls
	if halfOpenMax <= 0 {
		halfOpenMax = circuit.DefaultHalfOpenMaxCalls
	}
	return failureThreshold, time.Duration(recoverySeconds) * time.Second, halfOpenMax
}

// AllowRequest reports whether an action dispatch for triggerID may
// proceed, transitioning open -> half_open once the recovery timeout has
// elapsed. Callers must still report the outcome via RecordSuccess or
// RecordFailure.
func (b *Breaker) AllowRequest(ctx context.Context, triggerID string, cfg trigger.CircuitConfig) (bool, error) {
	_, recovery, halfOpenMax := resolveConfig(cfg)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		state, err := b.store.GetCircuitState(ctx, triggerID)
		if err != nil {
			return false, err
		}

		switch state.State {
		case circuit.Closed:
			return true, nil

		case circuit.Open:
			if state.OpenedAt == nil || time.Since(*state.OpenedAt) < recovery {
				return false, nil
			}
			state.State = circuit.HalfOpen
			state.HalfOpenInFlight = 0
			if _, err := b.transition(ctx, state, halfOpenMax); err != nil {
				if errors.Is(err, circuit.ErrVersionConflict) {
					continue
				}
				return false, err
			}
			return true, nil

		case circuit.HalfOpen:
			if state.HalfOpenInFlight >= halfOpenMax {
				return false, nil
			}
			state.HalfOpenInFlight++
			if _, err := b.transition(ctx, state, halfOpenMax); err != nil {
				if errors.Is(err, circuit.ErrVersionConflict) {
					continue
				}
				return false, err
			}
			return true, nil

		default:
			return true, nil
		}
	}
	return false, circuit.ErrVersionConflict
}

func (b *Breaker) transition(ctx context.Context, state circuit.BreakerState, _ int) (circuit.BreakerState, error) {
	return b.store.SaveCircuitState(ctx, state)
}

// RecordSuccess closes the circuit and resets failure counters.
func (b *Breaker) RecordSuccess(ctx context.Context, triggerID string) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		state, err := b.store.GetCircuitState(ctx, triggerID)
		if err != nil {
			return err
		}
		if state.State == circuit.HalfOpen && state.HalfOpenInFlight > 0 {
			state.HalfOpenInFlight--
		}
		state.State = circuit.Closed
		state.FailureCount = 0
		state.SuccessCount++
		if _, err := b.store.SaveCircuitState(ctx, state); err != nil {
			if errors.Is(err, circuit.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return circuit.ErrVersionConflict
}

// RecordFailure increments failure counters and opens the circuit once
// the threshold is reached, or immediately re-opens on a half-open probe
// failure.
func (b *Breaker) RecordFailure(ctx context.Context, triggerID string, cfg trigger.CircuitConfig) error {
	failureThreshold, _, _ := resolveConfig(cfg)
	now := time.Now().UTC()

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		state, err := b.store.GetCircuitState(ctx, triggerID)
		if err != nil {
			return err
		}

		if state.State == circuit.HalfOpen && state.HalfOpenInFlight > 0 {
			state.HalfOpenInFlight--
		}

		state.FailureCount++
		state.LastFailureAt = &now

		if state.State == circuit.HalfOpen {
			state.State = circuit.Open
			state.OpenedAt = &now
		} else if state.FailureCount >= failureThreshold {
			state.State = circuit.Open
			state.OpenedAt = &now
		}

		if _, err := b.store.SaveCircuitState(ctx, state); err != nil {
			if errors.Is(err, circuit.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return circuit.ErrVersionConflict
}
