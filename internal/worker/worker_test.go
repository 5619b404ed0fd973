package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/executors"
)

type fakeJobsRepo struct {
	acked        []string
	deadLettered map[string]string
	nacked       map[string]time.Time
	ackErr       error
	nackErr      error
}

func newFakeJobsRepo() *fakeJobsRepo {
	return &fakeJobsRepo{deadLettered: map[string]string{}, nacked: map[string]time.Time{}}
}

func (f *fakeJobsRepo) ClaimNext(ctx context.Context, workerID string, leaseMS int64) (actionjob.Job, error) {
	return actionjob.Job{}, actionjob.ErrJobNotFound
}
func (f *fakeJobsRepo) ExtendLease(ctx context.Context, id, workerID string, leaseMS int64) error {
	return nil
}
func (f *fakeJobsRepo) Ack(ctx context.Context, id string) error {
	f.acked = append(f.acked, id)
	return f.ackErr
}
func (f *fakeJobsRepo) AckPermanentFailure(ctx context.Context, id string, reason string) error {
	f.deadLettered[id] = reason
	return nil
}
func (f *fakeJobsRepo) Nack(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	f.nacked[id] = runAt
	return f.nackErr
}
func (f *fakeJobsRepo) RequeueStaleLeases(ctx context.Context) (int64, error) { return 0, nil }

type fakeEventsRepo struct{}

func (fakeEventsRepo) GetByID(ctx context.Context, id string) (chainevent.Event, error) {
	return chainevent.Event{ID: id}, nil
}

type fakeTriggersRepo struct {
	cfg trigger.CircuitConfig
}

func (f fakeTriggersRepo) GetByID(ctx context.Context, id string) (trigger.Trigger, error) {
	return trigger.Trigger{TriggerID: id, CircuitConfig: f.cfg}, nil
}

type fakeResultsRepo struct{ appended []actionjob.Result }

func (f *fakeResultsRepo) Append(ctx context.Context, res actionjob.Result) error {
	f.appended = append(f.appended, res)
	return nil
}

type fakeBreaker struct {
	successes []string
	failures  []string
}

func (f *fakeBreaker) RecordSuccess(ctx context.Context, triggerID string) error {
	f.successes = append(f.successes, triggerID)
	return nil
}
func (f *fakeBreaker) RecordFailure(ctx context.Context, triggerID string, cfg trigger.CircuitConfig) error {
	f.failures = append(f.failures, triggerID)
	return nil
}

func newTestWorker(jobs *fakeJobsRepo, breaker *fakeBreaker, triggers fakeTriggersRepo) *Worker {
	return New(Config{}, jobs, fakeEventsRepo{}, triggers, &fakeResultsRepo{}, breaker, nil)
}

func TestHandleOutcome_SuccessAcksAndRecordsSuccess(t *testing.T) {
	jobs := newFakeJobsRepo()
	breaker := &fakeBreaker{}
	w := newTestWorker(jobs, breaker, fakeTriggersRepo{})

	ctx, span := otel.Tracer("worker-test").Start(context.Background(), "job")
	defer span.End()

	j := actionjob.Job{ID: "job-1", TriggerID: "t-1", Attempts: 0, MaxAttempts: 3}
	w.handleOutcome(ctx, 1, j, executors.Outcome{Status: actionjob.ResultOK}, 10*time.Millisecond, span)

	if len(jobs.acked) != 1 || jobs.acked[0] != "job-1" {
		t.Fatalf("expected job-1 acked, got %v", jobs.acked)
	}
	if len(breaker.successes) != 1 || breaker.successes[0] != "t-1" {
		t.Fatalf("expected breaker success recorded for t-1, got %v", breaker.successes)
	}
}

func TestHandleOutcome_TransientFailureBelowMaxAttemptsSchedulesRetry(t *testing.T) {
	jobs := newFakeJobsRepo()
	breaker := &fakeBreaker{}
	w := newTestWorker(jobs, breaker, fakeTriggersRepo{})

	ctx, span := otel.Tracer("worker-test").Start(context.Background(), "job")
	defer span.End()

	j := actionjob.Job{ID: "job-2", TriggerID: "t-1", Attempts: 0, MaxAttempts: 3}
	w.handleOutcome(ctx, 1, j, executors.Outcome{Status: actionjob.ResultTransientFail, Reason: "timeout"}, 10*time.Millisecond, span)

	if _, ok := jobs.nacked["job-2"]; !ok {
		t.Fatal("expected job-2 to be nacked for a retry")
	}
	if len(jobs.deadLettered) != 0 {
		t.Fatal("expected no dead-lettering while attempts remain")
	}
	if len(breaker.failures) != 0 {
		t.Fatal("expected no breaker failure recorded for a scheduled retry")
	}
}

func TestHandleOutcome_TransientFailureAtMaxAttemptsDeadLettersNonAttributable(t *testing.T) {
	jobs := newFakeJobsRepo()
	breaker := &fakeBreaker{}
	w := newTestWorker(jobs, breaker, fakeTriggersRepo{})

	ctx, span := otel.Tracer("worker-test").Start(context.Background(), "job")
	defer span.End()

	j := actionjob.Job{ID: "job-3", TriggerID: "t-1", Attempts: 2, MaxAttempts: 3}
	w.handleOutcome(ctx, 1, j, executors.Outcome{Status: actionjob.ResultTransientFail, Reason: "still failing", Attributable: false}, 10*time.Millisecond, span)

	if reason, ok := jobs.deadLettered["job-3"]; !ok || reason != "still failing" {
		t.Fatalf("expected job-3 dead-lettered with reason, got %v", jobs.deadLettered)
	}
	if len(breaker.failures) != 0 {
		t.Fatal("expected a non-attributable failure to not trip the breaker")
	}
}

func TestHandleOutcome_PermanentAttributableFailureTripsBreaker(t *testing.T) {
	jobs := newFakeJobsRepo()
	breaker := &fakeBreaker{}
	w := newTestWorker(jobs, breaker, fakeTriggersRepo{cfg: trigger.CircuitConfig{FailureThreshold: 5}})

	ctx, span := otel.Tracer("worker-test").Start(context.Background(), "job")
	defer span.End()

	j := actionjob.Job{ID: "job-4", TriggerID: "t-9", Attempts: 0, MaxAttempts: 3}
	w.handleOutcome(ctx, 1, j, executors.Outcome{Status: actionjob.ResultPermanentFail, Reason: "bad config", Attributable: true}, 10*time.Millisecond, span)

	if _, ok := jobs.deadLettered["job-4"]; !ok {
		t.Fatal("expected job-4 dead-lettered")
	}
	if len(breaker.failures) != 1 || breaker.failures[0] != "t-9" {
		t.Fatalf("expected an attributable permanent failure to trip the breaker for t-9, got %v", breaker.failures)
	}
}

type fakeDispatcher struct {
	outcome executors.Outcome
}

func (f fakeDispatcher) Execute(ctx context.Context, spec trigger.ActionSpec, event chainevent.Event) executors.Outcome {
	return f.outcome
}

func TestExecute_InvalidActionSpecIsPermanentAttributable(t *testing.T) {
	w := New(Config{}, newFakeJobsRepo(), fakeEventsRepo{}, fakeTriggersRepo{}, &fakeResultsRepo{}, &fakeBreaker{}, fakeDispatcher{outcome: executors.Outcome{Status: actionjob.ResultOK}})

	j := actionjob.Job{ID: "job-5", EventID: "evt-1", ActionSpec: json.RawMessage(`not-json`)}
	out := w.execute(context.Background(), j)
	if out.Status != actionjob.ResultPermanentFail || !out.Attributable {
		t.Fatalf("expected invalid action spec to be a permanent attributable failure, got %+v", out)
	}
}

func TestExecute_ValidSpecDelegatesToDispatcher(t *testing.T) {
	w := New(Config{}, newFakeJobsRepo(), fakeEventsRepo{}, fakeTriggersRepo{}, &fakeResultsRepo{}, &fakeBreaker{}, fakeDispatcher{outcome: executors.Outcome{Status: actionjob.ResultOK}})

	spec, _ := json.Marshal(trigger.ActionSpec{Type: trigger.ActionHTTP})
	j := actionjob.Job{ID: "job-6", EventID: "evt-1", ActionSpec: spec}
	out := w.execute(context.Background(), j)
	if out.Status != actionjob.ResultOK {
		t.Fatalf("expected dispatcher outcome to pass through, got %+v", out)
	}
}
