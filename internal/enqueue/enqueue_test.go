package enqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/errs"
)

type fakeJobStore struct {
	depth    int64
	inserted []actionjob.CreateRequest
}

func (f *fakeJobStore) Depth(ctx context.Context) (int64, error) {
	return f.depth, nil
}

func (f *fakeJobStore) Enqueue(ctx context.Context, req actionjob.CreateRequest) (actionjob.Job, bool, error) {
	f.inserted = append(f.inserted, req)
	return actionjob.New(req), true, nil
}

func testTrigger(actions ...trigger.ActionSpec) trigger.Trigger {
	return trigger.Trigger{TriggerID: "t-1", Actions: actions}
}

func testEvent() chainevent.Event {
	return chainevent.Event{ID: "evt-1"}
}

func TestEnqueue_OneJobPerAction(t *testing.T) {
	store := &fakeJobStore{}
	en := New(store, 100, 1000)

	tr := testTrigger(
		trigger.ActionSpec{ActionIndex: 0, Type: trigger.ActionChat},
		trigger.ActionSpec{ActionIndex: 1, Type: trigger.ActionHTTP},
	)

	if err := en.Enqueue(context.Background(), tr, testEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.inserted) != 2 {
		t.Fatalf("expected 2 jobs enqueued, got %d", len(store.inserted))
	}
	for i, req := range store.inserted {
		if req.ActionIndex != i {
			t.Errorf("job %d: expected ActionIndex %d, got %d", i, i, req.ActionIndex)
		}
		if req.TriggerID != "t-1" || req.EventID != "evt-1" {
			t.Errorf("job %d: unexpected provenance %+v", i, req)
		}
	}
}

func TestEnqueue_CriticalWaterBlocksAllInserts(t *testing.T) {
	store := &fakeJobStore{depth: 1000}
	en := New(store, 100, 1000)

	tr := testTrigger(trigger.ActionSpec{ActionIndex: 0, Type: trigger.ActionChat})

	err := en.Enqueue(context.Background(), tr, testEvent())
	if !errors.Is(err, errs.ErrQueueCritical) {
		t.Fatalf("expected ErrQueueCritical, got %v", err)
	}
	if len(store.inserted) != 0 {
		t.Fatalf("expected no jobs inserted at critical watermark, got %d", len(store.inserted))
	}
}

func TestEnqueue_HighWaterStopsPartway(t *testing.T) {
	store := &fakeJobStore{depth: 99}
	en := New(store, 100, 1000)

	tr := testTrigger(
		trigger.ActionSpec{ActionIndex: 0, Type: trigger.ActionChat},
		trigger.ActionSpec{ActionIndex: 1, Type: trigger.ActionHTTP},
	)

	err := en.Enqueue(context.Background(), tr, testEvent())
	if !errors.Is(err, errs.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull once depth reaches high watermark, got %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected exactly 1 job inserted before hitting high watermark, got %d", len(store.inserted))
	}
}
