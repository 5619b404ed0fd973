// Package worker implements the Worker Pool (C10): N_worker goroutines
// claiming ActionJobs and dispatching them to the matching executor,
// adapted from the teacher's internal/queue/worker.Worker onto
// ActionJob/trigger.ActionSpec instead of the teacher's ad hoc job
// types, and extended with lease extension for long-running executions.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/executors"
	"github.com/geocoder89/triggerhub/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type JobsRepository interface {
	ClaimNext(ctx context.Context, workerID string, leaseMS int64) (actionjob.Job, error)
	ExtendLease(ctx context.Context, id string, workerID string, leaseMS int64) error
	Ack(ctx context.Context, id string) error
	AckPermanentFailure(ctx context.Context, id string, reason string) error
	Nack(ctx context.Context, id string, runAt time.Time, errMsg string) error
	RequeueStaleLeases(ctx context.Context) (int64, error)
}

type EventsRepository interface {
	GetByID(ctx context.Context, id string) (chainevent.Event, error)
}

type TriggersRepository interface {
	GetByID(ctx context.Context, id string) (trigger.Trigger, error)
}

type ResultsRepository interface {
	Append(ctx context.Context, res actionjob.Result) error
}

type Breaker interface {
	RecordSuccess(ctx context.Context, triggerID string) error
	RecordFailure(ctx context.Context, triggerID string, cfg trigger.CircuitConfig) error
}

type Dispatcher interface {
	Execute(ctx context.Context, spec trigger.ActionSpec, event chainevent.Event) executors.Outcome
}

type Config struct {
	PollInterval  time.Duration
	WorkerID      string
	Concurrency   int
	ShutdownGrace time.Duration
	LeaseMS       int64
	HealthAddr    string
}

type Worker struct {
	cfg          Config
	jobs         JobsRepository
	events       EventsRepository
	triggers     TriggersRepository
	results      ResultsRepository
	breaker      Breaker
	dispatcher   Dispatcher
	metrics      *observability.JobMetrics
	readyMu      sync.RWMutex
	ready        bool
	PromRegistry *prometheus.Registry
}

func New(cfg Config, jobs JobsRepository, events EventsRepository, triggers TriggersRepository,
	results ResultsRepository, breaker Breaker, dispatcher Dispatcher) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.LeaseMS <= 0 {
		cfg.LeaseMS = 60_000
	}
	return &Worker{
		cfg:        cfg,
		jobs:       jobs,
		events:     events,
		triggers:   triggers,
		results:    results,
		breaker:    breaker,
		dispatcher: dispatcher,
		metrics:    observability.NewJobMetrics(),
		ready:      true,
	}
}

var tracer = otel.Tracer("triggerhub-worker")

func (w *Worker) logMetricsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := w.metrics.Snapshot()
			log.Printf(
				"action_job metrics claimed=%d done=%d failed=%d retried=%d dlq=%d duration_count=%d dur_avg=%s duration_max=%s",
				s.Claimed, s.Done, s.Failed, s.Retried, s.DeadLettered, s.DurationCount, s.AverageDuration, s.MaxDuration,
			)
		}
	}
}

func (w *Worker) requeueLoop(ctx context.Context) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			n, err := w.jobs.RequeueStaleLeases(hctx)
			cancel()

			if err != nil {
				log.Printf("worker.requeue_stale error=%v", err)
				continue
			}
			if n > 0 {
				log.Printf("worker.requeue_stale count=%d", n)
			}
		}
	}
}

func (w *Worker) Run(ctx context.Context) error {
	srv := &http.Server{Addr: w.cfg.HealthAddr, Handler: w.HealthHandler(w.PromRegistry)}
	healthDone := make(chan struct{})

	go func() {
		log.Printf("worker health server starting on %s", w.cfg.HealthAddr)
		log.Printf("worker boot pid=%d worker_id=%s health_addr=%s", os.Getpid(), w.cfg.WorkerID, w.cfg.HealthAddr)

		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("worker health server error: %v", err)
		}
		close(healthDone)
	}()

	go func() {
		<-ctx.Done()
		w.readyMu.Lock()
		w.ready = false
		w.readyMu.Unlock()

		time.Sleep(5 * time.Second)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	jobsCh := make(chan actionjob.Job)

	go w.logMetricsLoop(ctx, 30*time.Second)
	go w.requeueLoop(ctx)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			w.runWorker(ctx, workerNum, jobsCh)
		}(i + 1)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

producerLoop:
	for {
		select {
		case <-ctx.Done():
			log.Println("worker: shutdown signal received; stopping claims")
			break producerLoop

		case <-ticker.C:
			for i := 0; i < w.cfg.Concurrency; i++ {
				claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				j, err := w.jobs.ClaimNext(claimCtx, w.cfg.WorkerID, w.cfg.LeaseMS)
				cancel()

				if err != nil {
					if errors.Is(err, actionjob.ErrJobNotFound) {
						break
					}
					log.Printf("worker: claim error: %v", err)
					break
				}

				select {
				case jobsCh <- j:
					if w.metrics != nil {
						w.metrics.IncClaimed()
					}
				case <-ctx.Done():
					break producerLoop
				}
			}
		}
	}

	close(jobsCh)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("worker: all in-flight jobs completed")
	case <-time.After(w.cfg.ShutdownGrace):
		log.Printf("worker: shutdown grace (%s) exceeded; exiting", w.cfg.ShutdownGrace)
	}

	select {
	case <-healthDone:
	case <-time.After(7 * time.Second):
	}

	return nil
}

func (w *Worker) runWorker(ctx context.Context, workerNum int, jobsChan <-chan actionjob.Job) {
	for j := range jobsChan {
		start := time.Now()

		execCtx, span := tracer.Start(ctx, "action_job.run",
			trace.WithAttributes(
				attribute.String("job.id", j.ID),
				attribute.String("trigger.id", j.TriggerID),
				attribute.String("event.id", j.EventID),
				attribute.Int("job.attempts", j.Attempts),
				attribute.Int("job.max_attempts", j.MaxAttempts),
				attribute.String("worker.id", w.cfg.WorkerID),
				attribute.Int("worker.num", workerNum),
			),
		)

		func() {
			defer span.End()

			leaseCtx, stopLease := context.WithCancel(execCtx)
			defer stopLease()
			go w.extendLeaseLoop(leaseCtx, j.ID)

			slog.Default().InfoContext(execCtx, "action_job.start",
				"worker_num", workerNum, "worker_id", w.cfg.WorkerID, "job_id", j.ID,
				"trigger_id", j.TriggerID, "attempts", fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			)

			outcome := w.execute(execCtx, j)
			d := time.Since(start)

			result := actionjob.Result{
				JobID:       j.ID,
				Attempt:     j.Attempts + 1,
				Status:      outcome.Status,
				HTTPStatus:  outcome.HTTPStatus,
				DurationMS:  d.Milliseconds(),
				CompletedAt: time.Now().UTC(),
			}
			if outcome.Reason != "" {
				result.ErrorCode = &outcome.Reason
			}
			if err := w.results.Append(execCtx, result); err != nil {
				slog.Default().ErrorContext(execCtx, "action_job.result_append_failed", "job_id", j.ID, "err", err)
			}

			w.handleOutcome(execCtx, workerNum, j, outcome, d, span)
		}()
	}
}

func (w *Worker) extendLeaseLoop(ctx context.Context, jobID string) {
	interval := time.Duration(w.cfg.LeaseMS/2) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.jobs.ExtendLease(ctx, jobID, w.cfg.WorkerID, w.cfg.LeaseMS); err != nil {
				log.Printf("worker.extend_lease_failed job=%s err=%v", jobID, err)
			}
		}
	}
}

func (w *Worker) execute(ctx context.Context, j actionjob.Job) executors.Outcome {
	event, err := w.events.GetByID(ctx, j.EventID)
	if err != nil {
		return executors.Outcome{Status: actionjob.ResultTransientFail, Reason: "event lookup failed: " + err.Error()}
	}

	var spec trigger.ActionSpec
	if err := json.Unmarshal(j.ActionSpec, &spec); err != nil {
		return executors.Outcome{Status: actionjob.ResultPermanentFail, Reason: "invalid action spec: " + err.Error(), Attributable: true}
	}

	return w.dispatcher.Execute(ctx, spec, event)
}

func (w *Worker) handleOutcome(ctx context.Context, workerNum int, j actionjob.Job, outcome executors.Outcome, d time.Duration, span trace.Span) {
	switch outcome.Status {
	case actionjob.ResultOK:
		if err := w.jobs.Ack(ctx, j.ID); err != nil {
			span.RecordError(err)
			slog.Default().ErrorContext(ctx, "action_job.ack_failed", "job_id", j.ID, "err", err)
		}
		if err := w.breaker.RecordSuccess(ctx, j.TriggerID); err != nil {
			slog.Default().ErrorContext(ctx, "action_job.record_success_failed", "trigger_id", j.TriggerID, "err", err)
		}
		if w.metrics != nil {
			w.metrics.ObserveDuration(d)
			w.metrics.IncDone()
		}
		span.SetStatus(codes.Ok, "done")
		slog.Default().InfoContext(ctx, "action_job.done", "worker_num", workerNum, "job_id", j.ID, "duration_ms", d.Milliseconds())

	case actionjob.ResultTransientFail:
		nextAttempt := j.Attempts + 1
		if nextAttempt < j.MaxAttempts {
			delay := ExponentialBackoff(j.Attempts)
			runAt := time.Now().UTC().Add(delay)
			if err := w.jobs.Nack(ctx, j.ID, runAt, outcome.Reason); err != nil {
				span.RecordError(err)
				slog.Default().ErrorContext(ctx, "action_job.nack_failed", "job_id", j.ID, "err", err)
				_ = w.jobs.AckPermanentFailure(ctx, j.ID, "nack_failed: "+outcome.Reason)
				return
			}
			if w.metrics != nil {
				w.metrics.IncRetried()
			}
			slog.Default().InfoContext(ctx, "action_job.retry_scheduled", "job_id", j.ID,
				"attempt", nextAttempt, "max_attempts", j.MaxAttempts, "next_run", runAt.Format(time.RFC3339))
			return
		}
		w.deadLetter(ctx, j, outcome, workerNum, d, span)

	case actionjob.ResultPermanentFail:
		w.deadLetter(ctx, j, outcome, workerNum, d, span)
	}
}

func (w *Worker) deadLetter(ctx context.Context, j actionjob.Job, outcome executors.Outcome, workerNum int, d time.Duration, span trace.Span) {
	if err := w.jobs.AckPermanentFailure(ctx, j.ID, outcome.Reason); err != nil {
		span.RecordError(err)
		slog.Default().ErrorContext(ctx, "action_job.dead_letter_failed", "job_id", j.ID, "err", err)
	}

	if outcome.Attributable {
		cfg := trigger.CircuitConfig{}
		if t, err := w.triggers.GetByID(ctx, j.TriggerID); err == nil {
			cfg = t.CircuitConfig
		}
		if err := w.breaker.RecordFailure(ctx, j.TriggerID, cfg); err != nil {
			slog.Default().ErrorContext(ctx, "action_job.record_failure_failed", "trigger_id", j.TriggerID, "err", err)
		}
	}

	if w.metrics != nil {
		w.metrics.ObserveDuration(d)
		w.metrics.IncDeadLettered()
	}
	span.SetStatus(codes.Error, outcome.Reason)
	slog.Default().ErrorContext(ctx, "action_job.dead_lettered", "worker_num", workerNum, "job_id", j.ID,
		"attempts", j.Attempts+1, "max_attempts", j.MaxAttempts, "reason", outcome.Reason)
}
