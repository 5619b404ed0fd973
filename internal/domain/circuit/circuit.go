package circuit

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("circuit breaker state not found")
	ErrVersionConflict = errors.New("circuit breaker state version conflict")
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// BreakerState is the persisted per-trigger circuit breaker record. It is
// read on every evaluation and on every action-completion and written on
// transitions only, via the State Store's CAS update.
type BreakerState struct {
	TriggerID        string     `json:"triggerId"`
	State            State      `json:"state"`
	FailureCount     int        `json:"failureCount"`
	SuccessCount     int        `json:"successCount"`
	HalfOpenInFlight int        `json:"halfOpenInFlight"`
	OpenedAt         *time.Time `json:"openedAt,omitempty"`
	LastFailureAt    *time.Time `json:"lastFailureAt,omitempty"`
	Version          int64      `json:"version"`
}

// New returns a fresh, Closed breaker for a trigger with no history.
func New(triggerID string) BreakerState {
	return BreakerState{
		TriggerID: triggerID,
		State:     Closed,
	}
}

// Defaults mirrors spec.md §4.8's documented defaults.
const (
	DefaultFailureThreshold       = 10
	DefaultRecoveryTimeoutSeconds = 3600
	DefaultHalfOpenMaxCalls       = 1
)
