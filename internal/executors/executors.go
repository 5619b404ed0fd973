// Package executors implements the Worker Pool's dispatch targets
// (C11): Chat, HTTP, and Tool. Each is polymorphic over
// {validate(config), execute(config, event)}, returning an Outcome the
// Worker Pool maps to ack/nack/dead-letter per spec.md §4.10.
package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
)

// Outcome is the normalized result of one execution attempt. Attributable
// distinguishes trigger-configuration failures (SSRF rejection, 4xx) from
// provider-wide faults (network, 5xx bursts) per spec.md §4.10 step 6 and
// §7: only the former trips the per-trigger circuit breaker.
type Outcome struct {
	Status        actionjob.ResultStatus
	RetryAfter    *time.Duration
	ErrorCode     *string
	HTTPStatus    *int
	Reason        string
	Attributable  bool
}

func ok() Outcome {
	return Outcome{Status: actionjob.ResultOK}
}

func transient(reason string, retryAfter *time.Duration) Outcome {
	return Outcome{Status: actionjob.ResultTransientFail, Reason: boundedReason(reason), RetryAfter: retryAfter}
}

func permanent(reason string, attributable bool) Outcome {
	return Outcome{Status: actionjob.ResultPermanentFail, Reason: boundedReason(reason), Attributable: attributable}
}

// boundedReason caps error message size and strips nothing sensitive
// beyond length, per spec.md §4.11 ("bounded-size error messages, no raw
// stack traces, no secrets") — callers are responsible for not passing
// secrets into reason in the first place.
func boundedReason(reason string) string {
	const maxLen = 500
	if len(reason) > maxLen {
		return reason[:maxLen]
	}
	return reason
}

// Executor is implemented by each action variant.
type Executor interface {
	Validate(spec trigger.ActionSpec) error
	Execute(ctx context.Context, spec trigger.ActionSpec, event chainevent.Event) Outcome
}

// Dispatcher routes a job's action_spec to the matching Executor by type.
type Dispatcher struct {
	chat Executor
	http Executor
	tool Executor
}

func NewDispatcher(chat, http, tool Executor) *Dispatcher {
	return &Dispatcher{chat: chat, http: http, tool: tool}
}

func (d *Dispatcher) Validate(spec trigger.ActionSpec) error {
	ex, err := d.executorFor(spec.Type)
	if err != nil {
		return err
	}
	return ex.Validate(spec)
}

func (d *Dispatcher) Execute(ctx context.Context, spec trigger.ActionSpec, event chainevent.Event) Outcome {
	ex, err := d.executorFor(spec.Type)
	if err != nil {
		return permanent(err.Error(), true)
	}
	return ex.Execute(ctx, spec, event)
}

func (d *Dispatcher) executorFor(t trigger.ActionType) (Executor, error) {
	switch t {
	case trigger.ActionChat:
		return d.chat, nil
	case trigger.ActionHTTP:
		return d.http, nil
	case trigger.ActionTool:
		return d.tool, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", t)
	}
}

func actionTimeout(spec trigger.ActionSpec, fallback time.Duration) time.Duration {
	if spec.TimeoutMS > 0 {
		return time.Duration(spec.TimeoutMS) * time.Millisecond
	}
	return fallback
}
