package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/circuit"
	"github.com/geocoder89/triggerhub/internal/domain/triggerstate"
	"github.com/geocoder89/triggerhub/internal/observability"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StateRepo is the State Store (C3): durable TriggerState and
// CircuitBreakerState, serialized per trigger via a Postgres advisory
// lock (token = hash(trigger_id)) and updated with CAS on an opaque
// version token, generalizing the RowsAffected-based optimistic check
// the teacher's JobsRepo uses for its own updates.
type StateRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewStateRepo(pool *pgxpool.Pool, prom *observability.Prom) *StateRepo {
	return &StateRepo{pool: pool, prom: prom}
}

func (r *StateRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func advisoryKey(triggerID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(triggerID))
	return int64(h.Sum64())
}

// Lock is a held per-trigger advisory lock. Release must be called
// exactly once, typically via defer.
type Lock struct {
	conn *pgxpool.Conn
	key  int64
}

func (l *Lock) Release(ctx context.Context) error {
	defer l.conn.Release()
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
	return err
}

var ErrLockTimeout = errors.New("trigger advisory lock: timed out")

// TryLock acquires the trigger's advisory lock, non-blocking, with the
// caller's ctx providing the 2s timeout from spec.md §4.7 step 1. If the
// lock is already held (by another evaluator), ErrLockTimeout is
// returned and the caller defers to the Poller.
func (r *StateRepo) TryLock(ctx context.Context, triggerID string) (*Lock, error) {
	key := advisoryKey(triggerID)

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, err
	}
	if !acquired {
		conn.Release()
		return nil, ErrLockTimeout
	}

	return &Lock{conn: conn, key: key}, nil
}

// --- TriggerState ---

func (r *StateRepo) GetTriggerState(ctx context.Context, triggerID string) (triggerstate.State, error) {
	op := "state.get_trigger_state"
	var s triggerstate.State
	var countersJSON, emasJSON []byte

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT trigger_id, counters, emas, last_match_at, version, updated_at
			FROM trigger_state WHERE trigger_id = $1
		`, triggerID).Scan(&s.TriggerID, &countersJSON, &emasJSON, &s.LastMatchAt, &s.Version, &s.UpdatedAt)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return triggerstate.New(triggerID), nil
		}
		return triggerstate.State{}, err
	}

	s.Counters = map[string]int64{}
	s.EMAs = map[string]triggerstate.EMA{}
	if len(countersJSON) > 0 {
		if err := json.Unmarshal(countersJSON, &s.Counters); err != nil {
			return triggerstate.State{}, err
		}
	}
	if len(emasJSON) > 0 {
		if err := json.Unmarshal(emasJSON, &s.EMAs); err != nil {
			return triggerstate.State{}, err
		}
	}
	return s, nil
}

// SaveTriggerState upserts with CAS on version: a brand-new state (on
// disk version 0 not yet present) inserts; an existing one updates only
// if the stored version matches s.Version, bumping it by one. Returns
// ErrVersionConflict on mismatch so the caller (C7) can retry up to 3
// times per spec.md §4.7 step 5.
func (r *StateRepo) SaveTriggerState(ctx context.Context, s triggerstate.State) (triggerstate.State, error) {
	op := "state.save_trigger_state"

	countersJSON, err := json.Marshal(s.Counters)
	if err != nil {
		return triggerstate.State{}, err
	}
	emasJSON, err := json.Marshal(s.EMAs)
	if err != nil {
		return triggerstate.State{}, err
	}

	next := s
	next.UpdatedAt = time.Now().UTC()
	next.Version = s.Version + 1

	var updated bool
	err = r.observe(op, func() error {
		tag, execErr := r.pool.Exec(ctx, `
			INSERT INTO trigger_state(trigger_id, counters, emas, last_match_at, version, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (trigger_id) DO UPDATE
			SET counters = EXCLUDED.counters,
			    emas = EXCLUDED.emas,
			    last_match_at = EXCLUDED.last_match_at,
			    version = EXCLUDED.version,
			    updated_at = EXCLUDED.updated_at
			WHERE trigger_state.version = $7
		`, next.TriggerID, countersJSON, emasJSON, next.LastMatchAt, next.Version, next.UpdatedAt, s.Version)
		if execErr != nil {
			return execErr
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return triggerstate.State{}, err
	}
	if !updated {
		return triggerstate.State{}, triggerstate.ErrVersionConflict
	}
	return next, nil
}

// --- CircuitBreakerState ---

func (r *StateRepo) GetCircuitState(ctx context.Context, triggerID string) (circuit.BreakerState, error) {
	op := "state.get_circuit_state"
	var c circuit.BreakerState
	var state string

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT trigger_id, state, failure_count, success_count, half_open_inflight,
			       opened_at, last_failure_at, version
			FROM circuit_breaker_state WHERE trigger_id = $1
		`, triggerID).Scan(&c.TriggerID, &state, &c.FailureCount, &c.SuccessCount,
			&c.HalfOpenInFlight, &c.OpenedAt, &c.LastFailureAt, &c.Version)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return circuit.New(triggerID), nil
		}
		return circuit.BreakerState{}, err
	}
	c.State = circuit.State(state)
	return c, nil
}

func (r *StateRepo) SaveCircuitState(ctx context.Context, c circuit.BreakerState) (circuit.BreakerState, error) {
	op := "state.save_circuit_state"

	next := c
	next.Version = c.Version + 1

	var updated bool
	err := r.observe(op, func() error {
		tag, execErr := r.pool.Exec(ctx, `
			INSERT INTO circuit_breaker_state(
				trigger_id, state, failure_count, success_count, half_open_inflight,
				opened_at, last_failure_at, version
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (trigger_id) DO UPDATE
			SET state = EXCLUDED.state,
			    failure_count = EXCLUDED.failure_count,
			    success_count = EXCLUDED.success_count,
			    half_open_inflight = EXCLUDED.half_open_inflight,
			    opened_at = EXCLUDED.opened_at,
			    last_failure_at = EXCLUDED.last_failure_at,
			    version = EXCLUDED.version
			WHERE circuit_breaker_state.version = $9
		`, next.TriggerID, string(next.State), next.FailureCount, next.SuccessCount,
			next.HalfOpenInFlight, next.OpenedAt, next.LastFailureAt, next.Version, c.Version)
		if execErr != nil {
			return execErr
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return circuit.BreakerState{}, err
	}
	if !updated {
		return circuit.BreakerState{}, circuit.ErrVersionConflict
	}
	return next, nil
}
