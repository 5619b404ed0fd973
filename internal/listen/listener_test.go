package listen

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/pipeline"
)

type fakeSubscriber struct {
	ch chan string
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, backoffMin, backoffMax time.Duration) <-chan string {
	return f.ch
}

type fakeEventsRepo struct{}

func (fakeEventsRepo) GetByID(ctx context.Context, id string) (chainevent.Event, error) {
	return chainevent.Event{ID: id}, nil
}

func (fakeEventsRepo) MarkProcessed(ctx context.Context, id string) error { return nil }

type fakeMatcher struct{}

func (fakeMatcher) Candidates(e chainevent.Event) ([]trigger.Trigger, bool) {
	return []trigger.Trigger{{TriggerID: "t-1"}}, false
}

type blockingEvaluator struct {
	release chan struct{}
	calls   int64
}

func (b *blockingEvaluator) Evaluate(ctx context.Context, t trigger.Trigger, e chainevent.Event) error {
	atomic.AddInt64(&b.calls, 1)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestListener_DispatchesEventsConcurrentlyUpToSemaphore(t *testing.T) {
	sub := &fakeSubscriber{ch: make(chan string, 4)}
	evalr := &blockingEvaluator{release: make(chan struct{})}
	pl := pipeline.New(fakeEventsRepo{}, fakeMatcher{}, evalr, nil)

	l := New(sub, pl, Config{NEval: 2, TaskBudget: time.Second}, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Run(ctx)
	}()

	sub.ch <- "evt-1"
	sub.ch <- "evt-2"

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&evalr.calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt64(&evalr.calls); got != 2 {
		t.Fatalf("expected 2 concurrent evaluations to start, got %d", got)
	}

	close(evalr.release)
	cancel()
	wg.Wait()
}

func TestListener_StopsOnContextCancel(t *testing.T) {
	sub := &fakeSubscriber{ch: make(chan string)}
	evalr := &blockingEvaluator{release: make(chan struct{})}
	close(evalr.release)
	pl := pipeline.New(fakeEventsRepo{}, fakeMatcher{}, evalr, nil)

	l := New(sub, pl, Config{}, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return promptly after context cancellation")
	}
}
