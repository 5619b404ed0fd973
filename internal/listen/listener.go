// Package listen implements the Listener (C4): a long-lived subscription
// to the Event Store that fans each new event_id out to a
// semaphore-bounded pool of evaluation tasks, each under a hard
// wall-clock budget.
package listen

import (
	"context"
	"log/slog"
	"time"

	"github.com/geocoder89/triggerhub/internal/observability"
	"github.com/geocoder89/triggerhub/internal/pipeline"
	"golang.org/x/sync/semaphore"
)

const source = "listener"

// Subscriber is the Event Store's pub/sub surface.
type Subscriber interface {
	Subscribe(ctx context.Context, backoffMin, backoffMax time.Duration) <-chan string
}

type Listener struct {
	subscriber Subscriber
	pipeline   *pipeline.Pipeline
	sem        *semaphore.Weighted
	taskBudget time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
	prom       *observability.Prom
	log        *slog.Logger
}

type Config struct {
	NEval      int
	TaskBudget time.Duration
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func New(subscriber Subscriber, pl *pipeline.Pipeline, cfg Config, prom *observability.Prom, log *slog.Logger) *Listener {
	if cfg.NEval <= 0 {
		cfg.NEval = 100
	}
	if cfg.TaskBudget <= 0 {
		cfg.TaskBudget = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		subscriber: subscriber,
		pipeline:   pl,
		sem:        semaphore.NewWeighted(int64(cfg.NEval)),
		taskBudget: cfg.TaskBudget,
		backoffMin: cfg.BackoffMin,
		backoffMax: cfg.BackoffMax,
		prom:       prom,
		log:        log,
	}
}

// Run consumes event_ids until ctx is cancelled or the subscription
// channel closes (which only happens once ctx is done).
func (l *Listener) Run(ctx context.Context) {
	events := l.subscriber.Subscribe(ctx, l.backoffMin, l.backoffMax)

	for {
		select {
		case <-ctx.Done():
			return
		case eventID, ok := <-events:
			if !ok {
				return
			}
			l.dispatch(ctx, eventID)
		}
	}
}

// dispatch acquires a semaphore slot and spawns the evaluation task. It
// never blocks the subscription loop beyond acquiring that slot.
func (l *Listener) dispatch(ctx context.Context, eventID string) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return
	}

	go func() {
		defer l.sem.Release(1)
		defer l.recoverPanic(eventID)

		taskCtx, cancel := context.WithTimeout(ctx, l.taskBudget)
		defer cancel()

		if err := l.pipeline.ProcessEvent(taskCtx, eventID, source); err != nil {
			l.log.ErrorContext(ctx, "listener.task_failed", "event_id", eventID, "err", err)
		}
	}()
}

func (l *Listener) recoverPanic(eventID string) {
	if r := recover(); r != nil {
		if l.prom != nil {
			l.prom.PipelineTasksTotal.WithLabelValues(source, "panicked").Inc()
		}
		l.log.Error("listener.task_panicked", "event_id", eventID, "recovered", r)
	}
}
