// Package pipeline wires the Trigger Matcher (C6) and Condition
// Evaluator (C7) into the single per-event entry point shared by the
// Listener (C4) and Poller (C5), per spec.md §4.5: both feed "the same
// evaluation pipeline", differing only in how they discover event_ids.
package pipeline

import (
	"context"

	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/observability"
)

type EventsRepo interface {
	GetByID(ctx context.Context, id string) (chainevent.Event, error)
	MarkProcessed(ctx context.Context, id string) error
}

type Matcher interface {
	Candidates(e chainevent.Event) (triggers []trigger.Trigger, truncated bool)
}

type Evaluator interface {
	Evaluate(ctx context.Context, t trigger.Trigger, e chainevent.Event) error
}

type Pipeline struct {
	events    EventsRepo
	matcher   Matcher
	evaluator Evaluator
	prom      *observability.Prom
}

func New(events EventsRepo, matcher Matcher, evaluator Evaluator, prom *observability.Prom) *Pipeline {
	return &Pipeline{events: events, matcher: matcher, evaluator: evaluator, prom: prom}
}

// ProcessEvent loads eventID, computes its candidate trigger set,
// evaluates each candidate, and marks the event processed only if every
// candidate evaluation completed without error. A partial failure (one
// trigger errors, others succeed) still withholds the processed mark so
// a retry (by the Poller) re-evaluates the whole candidate set; matched
// triggers that already enqueued a job are protected from duplication by
// the job's idempotency key, so a re-evaluation is safe.
func (p *Pipeline) ProcessEvent(ctx context.Context, eventID string, source string) error {
	e, err := p.events.GetByID(ctx, eventID)
	if err != nil {
		p.observeOutcome(source, "failed")
		return err
	}

	candidates, truncated := p.matcher.Candidates(e)
	if truncated && p.prom != nil {
		p.prom.TriggersTruncated.Inc()
	}

	var firstErr error
	for _, t := range candidates {
		if err := p.evaluator.Evaluate(ctx, t, e); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		p.observeOutcome(source, "failed")
		return firstErr
	}

	if err := p.events.MarkProcessed(ctx, eventID); err != nil {
		p.observeOutcome(source, "failed")
		return err
	}

	p.observeOutcome(source, "succeeded")
	return nil
}

func (p *Pipeline) observeOutcome(source, outcome string) {
	if p.prom != nil {
		p.prom.PipelineTasksTotal.WithLabelValues(source, outcome).Inc()
	}
}
