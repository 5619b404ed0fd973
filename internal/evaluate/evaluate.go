// Package evaluate implements the Condition Evaluator (C7): for each
// candidate trigger, acquires the per-trigger advisory lock, consults
// the Circuit Breaker, evaluates the trigger's conditions against the
// event (stateless, rate, threshold, ema), persists any state change
// with CAS retry, and on a full match hands off to the Action Enqueuer.
package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/geocoder89/triggerhub/internal/breaker"
	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/domain/triggerstate"
	"github.com/geocoder89/triggerhub/internal/repo/postgres"
)

const lockTimeout = 2 * time.Second
const maxCASRetries = 3

// Lock mirrors postgres.Lock's release surface without coupling the
// interface below to the concrete type.
type Lock interface {
	Release(ctx context.Context) error
}

// StateStore is the slice of the State Store this component needs.
type StateStore interface {
	TryLock(ctx context.Context, triggerID string) (*postgres.Lock, error)
	GetTriggerState(ctx context.Context, triggerID string) (triggerstate.State, error)
	SaveTriggerState(ctx context.Context, s triggerstate.State) (triggerstate.State, error)
}

// Enqueuer is the Action Enqueuer (C9) entry point.
type Enqueuer interface {
	Enqueue(ctx context.Context, t trigger.Trigger, e chainevent.Event) error
}

type Evaluator struct {
	state    StateStore
	breaker  *breaker.Breaker
	enqueuer Enqueuer
	log      *slog.Logger
}

func New(state StateStore, br *breaker.Breaker, enqueuer Enqueuer, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{state: state, breaker: br, enqueuer: enqueuer, log: log}
}

// EvaluateAll runs Evaluate for every candidate trigger against the same
// event, continuing past per-trigger errors so one bad trigger cannot
// block the rest of the candidate set.
func (ev *Evaluator) EvaluateAll(ctx context.Context, candidates []trigger.Trigger, e chainevent.Event) {
	for _, t := range candidates {
		if err := ev.Evaluate(ctx, t, e); err != nil {
			ev.log.ErrorContext(ctx, "evaluate.trigger_failed", "trigger_id", t.TriggerID, "event_id", e.ID, "err", err)
		}
	}
}

// Evaluate runs one trigger's conditions against one event, per
// spec.md §4.7.
func (ev *Evaluator) Evaluate(ctx context.Context, t trigger.Trigger, e chainevent.Event) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	lock, err := ev.state.TryLock(lockCtx, t.TriggerID)
	if err != nil {
		if errors.Is(err, postgres.ErrLockTimeout) {
			// Another evaluator holds the lock; defer to the Poller's
			// next pass rather than blocking the Listener's budget.
			return nil
		}
		return err
	}
	defer func() {
		if relErr := lock.Release(context.Background()); relErr != nil {
			ev.log.ErrorContext(ctx, "evaluate.lock_release_failed", "trigger_id", t.TriggerID, "err", relErr)
		}
	}()

	allowed, err := ev.breaker.AllowRequest(ctx, t.TriggerID, t.CircuitConfig)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}

	matched, state, evalErr := ev.evaluateConditions(ctx, t, e)
	if evalErr != nil {
		if recErr := ev.breaker.RecordFailure(ctx, t.TriggerID, t.CircuitConfig); recErr != nil {
			ev.log.ErrorContext(ctx, "evaluate.record_failure_failed", "trigger_id", t.TriggerID, "err", recErr)
		}
		return evalErr
	}
	if recErr := ev.breaker.RecordSuccess(ctx, t.TriggerID); recErr != nil {
		ev.log.ErrorContext(ctx, "evaluate.record_success_failed", "trigger_id", t.TriggerID, "err", recErr)
	}

	if matched {
		now := time.Now().UTC()
		state.LastMatchAt = &now
	}

	if t.IsStateful {
		if _, err := ev.saveWithRetry(ctx, state); err != nil {
			return err
		}
	}

	if !matched {
		return nil
	}

	return ev.enqueuer.Enqueue(ctx, t, e)
}

// evaluateConditions short-circuits on the first false condition,
// returning the (possibly mutated) state so the caller can persist it
// once, even on a short-circuited false, since rate/ema conditions
// mutate state as a side effect of being evaluated.
func (ev *Evaluator) evaluateConditions(ctx context.Context, t trigger.Trigger, e chainevent.Event) (bool, triggerstate.State, error) {
	state, err := ev.state.GetTriggerState(ctx, t.TriggerID)
	if err != nil {
		return false, triggerstate.State{}, err
	}
	if state.Counters == nil {
		state.Counters = map[string]int64{}
	}
	if state.EMAs == nil {
		state.EMAs = map[string]triggerstate.EMA{}
	}

	now := time.Now().UTC()

	for _, cond := range t.Conditions {
		ok, err := ev.evaluateOne(&state, cond, e, now)
		if err != nil {
			return false, state, err
		}
		if !ok {
			return false, state, nil
		}
	}
	return true, state, nil
}

func (ev *Evaluator) evaluateOne(state *triggerstate.State, cond trigger.Condition, e chainevent.Event, now time.Time) (bool, error) {
	switch cond.Type {
	case trigger.ConditionStateless, trigger.ConditionThreshold:
		value, found := extractField(e.Payload, cond.Field)
		if !found {
			return false, nil
		}
		return applyOperator(value, cond.Value, cond.Operator), nil

	case trigger.ConditionRate:
		key := triggerstate.WindowKey(cond.ConditionID, cond.Config.WindowSeconds, now)
		prefix := cond.ConditionID + ":"
		for k := range state.Counters {
			if strings.HasPrefix(k, prefix) && k != key {
				delete(state.Counters, k)
			}
		}
		state.Counters[key]++
		return applyOperator(float64(state.Counters[key]), cond.Config.Threshold, resolveOperator(cond.Operator, trigger.OpGe)), nil

	case trigger.ConditionEMA:
		value, found := extractField(e.Payload, cond.Field)
		if !found {
			return false, nil
		}
		x, ok := toFloat(value)
		if !ok {
			return false, nil
		}
		prev := state.EMAs[cond.ConditionID]
		alpha := cond.Config.Alpha
		newVal := alpha*x + (1-alpha)*prev.Value
		state.EMAs[cond.ConditionID] = triggerstate.EMA{Value: newVal, LastUpdated: now}
		return applyOperator(newVal, cond.Config.Threshold, resolveOperator(cond.Operator, trigger.OpGe)), nil

	default:
		return false, nil
	}
}

func resolveOperator(op trigger.Operator, fallback trigger.Operator) trigger.Operator {
	if op == "" {
		return fallback
	}
	return op
}

func (ev *Evaluator) saveWithRetry(ctx context.Context, state triggerstate.State) (triggerstate.State, error) {
	var last error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		saved, err := ev.state.SaveTriggerState(ctx, state)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, triggerstate.ErrVersionConflict) {
			return triggerstate.State{}, err
		}
		last = err
		fresh, getErr := ev.state.GetTriggerState(ctx, state.TriggerID)
		if getErr != nil {
			return triggerstate.State{}, getErr
		}
		fresh.Counters = state.Counters
		fresh.EMAs = state.EMAs
		fresh.LastMatchAt = state.LastMatchAt
		state = fresh
	}
	return triggerstate.State{}, last
}

// extractField resolves a dotted path into the event's JSON payload.
// json.Number is preserved (via UseNumber) so numeric comparisons can
// promote through math/big without precision loss.
func extractField(payload json.RawMessage, field string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, false
	}

	cur := root
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func toRat(v any) (*big.Rat, bool) {
	switch x := v.(type) {
	case json.Number:
		r, ok := new(big.Rat).SetString(x.String())
		return r, ok
	case float64:
		return new(big.Rat).SetFloat64(x), true
	case string:
		r, ok := new(big.Rat).SetString(x)
		return r, ok
	case int:
		return new(big.Rat).SetInt64(int64(x)), true
	case int64:
		return new(big.Rat).SetInt64(x), true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	r, ok := toRat(v)
	if !ok {
		return 0, false
	}
	f, _ := r.Float64()
	return f, true
}

// applyOperator compares two extracted/constant values per spec.md §4.7:
// numeric-kind mismatches promote to decimal (math/big.Rat), string
// comparisons are byte-wise, and anything that fails to compare is false
// rather than an error.
func applyOperator(a, b any, op trigger.Operator) bool {
	switch op {
	case trigger.OpEq, trigger.OpNe:
		eq := valuesEqual(a, b)
		if op == trigger.OpNe {
			return !eq
		}
		return eq

	case trigger.OpLt, trigger.OpLe, trigger.OpGt, trigger.OpGe:
		ar, aok := toRat(a)
		br, bok := toRat(b)
		if !aok || !bok {
			return false
		}
		cmp := ar.Cmp(br)
		switch op {
		case trigger.OpLt:
			return cmp < 0
		case trigger.OpLe:
			return cmp <= 0
		case trigger.OpGt:
			return cmp > 0
		case trigger.OpGe:
			return cmp >= 0
		}
		return false

	case trigger.OpContains:
		as, aok := a.(string)
		bs, bok := b.(string)
		if aok && bok {
			return strings.Contains(as, bs)
		}
		if list, ok := a.([]any); ok {
			for _, item := range list {
				if valuesEqual(item, b) {
					return true
				}
			}
		}
		return false

	case trigger.OpMatches:
		as, aok := a.(string)
		pattern, pok := b.(string)
		if !aok || !pok {
			return false
		}
		matched, err := regexp.MatchString(pattern, as)
		if err != nil {
			return false
		}
		return matched

	case trigger.OpIn:
		list, ok := b.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if valuesEqual(a, item) {
				return true
			}
		}
		return false

	default:
		return false
	}
}

func valuesEqual(a, b any) bool {
	if ar, aok := toRat(a); aok {
		if br, bok := toRat(b); bok {
			return ar.Cmp(br) == 0
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}
	return false
}
