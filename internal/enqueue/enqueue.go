// Package enqueue implements the Action Enqueuer (C9): materializes a
// matched (trigger, event) pair into one persisted ActionJob per
// ActionSpec, enforcing the job queue's backpressure watermarks before
// writing.
package enqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/errs"
)

// JobStore is the slice of the Job Queue this component needs.
type JobStore interface {
	Depth(ctx context.Context) (int64, error)
	Enqueue(ctx context.Context, req actionjob.CreateRequest) (actionjob.Job, bool, error)
}

type Enqueuer struct {
	jobs           JobStore
	highWater      int64
	criticalWater  int64
}

func New(jobs JobStore, highWater, criticalWater int64) *Enqueuer {
	return &Enqueuer{jobs: jobs, highWater: highWater, criticalWater: criticalWater}
}

// Enqueue produces one ActionJob per ActionSpec on t. Returns
// errs.ErrQueueCritical if the queue is at or above the critical
// watermark (no jobs written), or errs.ErrQueueFull if at or above the
// high watermark (still enforced per-action so a partially-drained
// queue can make progress between the two thresholds).
func (en *Enqueuer) Enqueue(ctx context.Context, t trigger.Trigger, e chainevent.Event) error {
	depth, err := en.jobs.Depth(ctx)
	if err != nil {
		return err
	}
	if en.criticalWater > 0 && depth >= en.criticalWater {
		return errs.ErrQueueCritical
	}

	now := time.Now().UTC()
	for _, action := range t.Actions {
		if en.highWater > 0 && depth >= en.highWater {
			return errs.ErrQueueFull
		}

		specJSON, err := json.Marshal(action)
		if err != nil {
			return err
		}

		_, inserted, err := en.jobs.Enqueue(ctx, actionjob.CreateRequest{
			TriggerID:   t.TriggerID,
			EventID:     e.ID,
			ActionIndex: action.ActionIndex,
			ActionSpec:  specJSON,
			NotBefore:   now,
			MaxAttempts: 3,
		})
		if err != nil {
			return err
		}
		if inserted {
			depth++
		}
	}
	return nil
}
