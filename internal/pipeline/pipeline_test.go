package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
)

type fakeEventsRepo struct {
	event           chainevent.Event
	getErr          error
	markProcessed   []string
	markProcessErr  error
}

func (f *fakeEventsRepo) GetByID(ctx context.Context, id string) (chainevent.Event, error) {
	if f.getErr != nil {
		return chainevent.Event{}, f.getErr
	}
	return f.event, nil
}

func (f *fakeEventsRepo) MarkProcessed(ctx context.Context, id string) error {
	if f.markProcessErr != nil {
		return f.markProcessErr
	}
	f.markProcessed = append(f.markProcessed, id)
	return nil
}

type fakeMatcher struct {
	triggers  []trigger.Trigger
	truncated bool
}

func (f *fakeMatcher) Candidates(e chainevent.Event) ([]trigger.Trigger, bool) {
	return f.triggers, f.truncated
}

type fakeEvaluator struct {
	failFor map[string]error
	called  []string
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, t trigger.Trigger, e chainevent.Event) error {
	f.called = append(f.called, t.TriggerID)
	if err, ok := f.failFor[t.TriggerID]; ok {
		return err
	}
	return nil
}

func TestProcessEvent_MarksProcessedOnFullSuccess(t *testing.T) {
	events := &fakeEventsRepo{event: chainevent.Event{ID: "evt-1"}}
	matcher := &fakeMatcher{triggers: []trigger.Trigger{{TriggerID: "t-1"}, {TriggerID: "t-2"}}}
	evaluator := &fakeEvaluator{failFor: map[string]error{}}

	p := New(events, matcher, evaluator, nil)
	if err := p.ProcessEvent(context.Background(), "evt-1", "listener"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events.markProcessed) != 1 || events.markProcessed[0] != "evt-1" {
		t.Fatalf("expected event marked processed, got %v", events.markProcessed)
	}
	if len(evaluator.called) != 2 {
		t.Fatalf("expected both candidates evaluated, got %v", evaluator.called)
	}
}

func TestProcessEvent_PartialFailureWithholdsProcessedMark(t *testing.T) {
	events := &fakeEventsRepo{event: chainevent.Event{ID: "evt-1"}}
	matcher := &fakeMatcher{triggers: []trigger.Trigger{{TriggerID: "t-1"}, {TriggerID: "t-2"}}}
	evaluator := &fakeEvaluator{failFor: map[string]error{"t-1": errors.New("boom")}}

	p := New(events, matcher, evaluator, nil)
	err := p.ProcessEvent(context.Background(), "evt-1", "poller")
	if err == nil {
		t.Fatal("expected ProcessEvent to surface the evaluator error")
	}
	if len(events.markProcessed) != 0 {
		t.Fatal("expected event to not be marked processed after a partial failure")
	}
	if len(evaluator.called) != 2 {
		t.Fatalf("expected all candidates still evaluated despite one failing, got %v", evaluator.called)
	}
}

func TestProcessEvent_GetByIDErrorShortCircuits(t *testing.T) {
	events := &fakeEventsRepo{getErr: errors.New("not found")}
	matcher := &fakeMatcher{}
	evaluator := &fakeEvaluator{failFor: map[string]error{}}

	p := New(events, matcher, evaluator, nil)
	err := p.ProcessEvent(context.Background(), "missing", "listener")
	if err == nil {
		t.Fatal("expected error from GetByID to propagate")
	}
	if len(evaluator.called) != 0 {
		t.Fatal("expected no evaluation when the event could not be loaded")
	}
}

func TestProcessEvent_NoCandidatesStillMarksProcessed(t *testing.T) {
	events := &fakeEventsRepo{event: chainevent.Event{ID: "evt-2"}}
	matcher := &fakeMatcher{triggers: nil}
	evaluator := &fakeEvaluator{failFor: map[string]error{}}

	p := New(events, matcher, evaluator, nil)
	if err := p.ProcessEvent(context.Background(), "evt-2", "listener"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events.markProcessed) != 1 {
		t.Fatal("expected an event with zero matching triggers to still be marked processed")
	}
}
