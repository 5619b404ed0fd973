package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/geocoder89/triggerhub/internal/observability"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrJobNotFailed = errors.New("action job is not failed")

// ActionJobsRepo is the Job Queue (C2): an ordered, persistent FIFO of
// action jobs with claim/ack semantics. Generalizes the teacher's
// JobsRepo.ClaimNext SKIP LOCKED pattern onto ActionJob, and adds the
// queue-depth accounting the teacher never needed (§4.2's high/critical
// water marks).
type ActionJobsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewActionJobsRepo(pool *pgxpool.Pool, prom *observability.Prom) *ActionJobsRepo {
	return &ActionJobsRepo{pool: pool, prom: prom}
}

func (r *ActionJobsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Depth reports the pending-visible count, used by the Enqueuer to
// enforce backpressure before insert.
func (r *ActionJobsRepo) Depth(ctx context.Context) (int64, error) {
	var n int64
	op := "action_jobs.depth"
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT count(*) FROM action_jobs WHERE status = 'pending' AND run_at <= NOW()
		`).Scan(&n)
	})
	return n, err
}

// Enqueue inserts one job, relying on the idempotency_key unique
// constraint so repeated enqueues of the same (trigger, event,
// action_index) collapse to a single row (spec.md §4.9). A conflict is
// reported to the caller as "already enqueued", not an error.
func (r *ActionJobsRepo) Enqueue(ctx context.Context, req actionjob.CreateRequest) (actionjob.Job, bool, error) {
	j := actionjob.New(req)
	op := "action_jobs.enqueue"

	var inserted bool
	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
			INSERT INTO action_jobs(
				id, trigger_id, event_id, action_index, action_spec, status,
				attempts, max_attempts, run_at, locked_at, locked_by, lease_expires_at,
				last_error, idempotency_key, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, j.ID, j.TriggerID, j.EventID, j.ActionIndex, j.ActionSpec, string(j.Status),
			j.Attempts, j.MaxAttempts, j.RunAt, j.LockedAt, j.LockedBy, j.LeaseExpiresAt,
			j.LastError, j.IdempotencyKey, j.CreatedAt, j.UpdatedAt)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() > 0
		return nil
	})

	return j, inserted, err
}

// ClaimNext atomically claims the oldest ready job and sets its lease,
// directly generalizing the teacher's JobsRepo.ClaimNext.
func (r *ActionJobsRepo) ClaimNext(ctx context.Context, workerID string, leaseMS int64) (actionjob.Job, error) {
	var j actionjob.Job
	var status string
	op := "action_jobs.claim_next"

	if leaseMS <= 0 {
		leaseMS = 60_000
	}

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			WITH next AS (
				SELECT id
				FROM action_jobs
				WHERE status = 'pending'
				  AND run_at <= NOW()
				  AND attempts < max_attempts
				ORDER BY run_at ASC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			UPDATE action_jobs
			SET status = 'processing',
			    locked_at = NOW(),
			    locked_by = $1,
			    lease_expires_at = NOW() + ($2 * INTERVAL '1 millisecond'),
			    updated_at = NOW()
			WHERE id = (SELECT id FROM next)
			RETURNING id, trigger_id, event_id, action_index, action_spec, status,
			          attempts, max_attempts, run_at, locked_at, locked_by, lease_expires_at,
			          last_error, idempotency_key, created_at, updated_at
		`, workerID, leaseMS).Scan(
			&j.ID, &j.TriggerID, &j.EventID, &j.ActionIndex, &j.ActionSpec, &status,
			&j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LockedAt, &j.LockedBy, &j.LeaseExpiresAt,
			&j.LastError, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt,
		)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return actionjob.Job{}, actionjob.ErrJobNotFound
		}
		return actionjob.Job{}, err
	}

	j.Status = actionjob.Status(status)
	return j, nil
}

// ExtendLease pushes lease_expires_at forward (locked_at is left as the
// claim time) for a long-running
// execution, per spec.md §4.10 ("workers must extend lease on long
// executions if duration approaches lease_ms").
func (r *ActionJobsRepo) ExtendLease(ctx context.Context, id string, workerID string, leaseMS int64) error {
	op := "action_jobs.extend_lease"
	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			UPDATE action_jobs
			SET lease_expires_at = NOW() + ($3 * INTERVAL '1 millisecond'),
			    updated_at = NOW()
			WHERE id = $1 AND locked_by = $2 AND status = 'processing'
		`, id, workerID, leaseMS)
		return execErr
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return actionjob.ErrJobNotFound
	}
	return nil
}

// Ack marks a job done (terminal success).
func (r *ActionJobsRepo) Ack(ctx context.Context, id string) error {
	op := "action_jobs.ack"
	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			UPDATE action_jobs
			SET status = 'done', locked_at = NULL, locked_by = NULL,
			    lease_expires_at = NULL, last_error = NULL, updated_at = NOW()
			WHERE id = $1
		`, id)
		return execErr
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return actionjob.ErrJobNotFound
	}
	return nil
}

// AckPermanentFailure removes a permanently-failed job from the visible
// queue (acked, not retried) while recording the reason, used for the
// SSRF-rejected / 4xx terminal paths in §4.10 step 6 and §7.
func (r *ActionJobsRepo) AckPermanentFailure(ctx context.Context, id string, reason string) error {
	op := "action_jobs.ack_permanent_failure"
	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			UPDATE action_jobs
			SET status = 'failed', locked_at = NULL, locked_by = NULL,
			    lease_expires_at = NULL, last_error = $2, updated_at = NOW()
			WHERE id = $1
		`, id, reason)
		return execErr
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return actionjob.ErrJobNotFound
	}
	return nil
}

// Nack reschedules a transiently-failed job: it returns to pending at
// runAt with attempts incremented and its lease cleared. It never
// dead-letters; callers use AckPermanentFailure for that.
func (r *ActionJobsRepo) Nack(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	op := "action_jobs.nack"
	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			UPDATE action_jobs
			SET status = 'pending',
			    attempts = attempts + 1,
			    run_at = $2,
			    locked_at = NULL,
			    locked_by = NULL,
			    lease_expires_at = NULL,
			    last_error = $3,
			    updated_at = NOW()
			WHERE id = $1
		`, id, runAt, errMsg)
		return execErr
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return actionjob.ErrJobNotFound
	}
	return nil
}

// RequeueStaleLeases recovers jobs whose worker crashed mid-execution:
// lease_expires_at has passed with the job still "processing".
func (r *ActionJobsRepo) RequeueStaleLeases(ctx context.Context) (int64, error) {
	op := "action_jobs.requeue_stale"
	var rows int64
	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE action_jobs
			SET status = 'pending', locked_at = NULL, locked_by = NULL,
			    lease_expires_at = NULL, updated_at = NOW()
			WHERE status = 'processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < NOW()
		`)
		if err != nil {
			return err
		}
		rows = tag.RowsAffected()
		return nil
	})
	return rows, err
}

func (r *ActionJobsRepo) GetByID(ctx context.Context, id string) (actionjob.Job, error) {
	var j actionjob.Job
	var status string
	op := "action_jobs.get_by_id"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT id, trigger_id, event_id, action_index, action_spec, status,
			       attempts, max_attempts, run_at, locked_at, locked_by, lease_expires_at,
			       last_error, idempotency_key, created_at, updated_at
			FROM action_jobs WHERE id = $1
		`, id).Scan(
			&j.ID, &j.TriggerID, &j.EventID, &j.ActionIndex, &j.ActionSpec, &status,
			&j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LockedAt, &j.LockedBy, &j.LeaseExpiresAt,
			&j.LastError, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return actionjob.Job{}, actionjob.ErrJobNotFound
		}
		return actionjob.Job{}, err
	}
	j.Status = actionjob.Status(status)
	return j, nil
}

// Retry requeues a single dead-lettered job (admin operation).
func (r *ActionJobsRepo) Retry(ctx context.Context, id string) error {
	var status string
	op := "action_jobs.admin.retry.check_status"
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `SELECT status FROM action_jobs WHERE id = $1`, id).Scan(&status)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return actionjob.ErrJobNotFound
		}
		return err
	}
	if status != string(actionjob.StatusFailed) {
		return ErrJobNotFailed
	}

	requeueOp := "action_jobs.admin.retry.requeue"
	return r.observe(requeueOp, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE action_jobs
			SET status = 'pending', run_at = NOW(), locked_at = NULL, locked_by = NULL,
			    lease_expires_at = NULL, last_error = NULL, updated_at = NOW()
			WHERE id = $1
		`, id)
		return err
	})
}

func (r *ActionJobsRepo) RetryManyFailed(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	op := "action_jobs.admin.retry_many_failed"
	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx, `
			WITH picked AS (
				SELECT id FROM action_jobs WHERE status = 'failed' ORDER BY updated_at DESC LIMIT $1
			)
			UPDATE action_jobs
			SET status = 'pending', run_at = NOW(), locked_at = NULL, locked_by = NULL,
			    lease_expires_at = NULL, last_error = NULL, updated_at = NOW()
			WHERE id IN (SELECT id FROM picked)
		`, limit)
		return execErr
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListCursor is a keyset-paginated admin listing, generalized from the
// teacher's JobsRepo.ListCursor.
func (r *ActionJobsRepo) ListCursor(ctx context.Context, status *string, limit int, afterUpdatedAt time.Time, afterID string) (items []actionjob.Job, nextCursor *string, hasMore bool, err error) {
	op := "action_jobs.admin.list_cursor"

	base := `
		SELECT id, trigger_id, event_id, action_index, action_spec, status,
		       attempts, max_attempts, run_at, locked_at, locked_by, lease_expires_at,
		       last_error, idempotency_key, created_at, updated_at
		FROM action_jobs
	`
	var conds []string
	var args []any
	pos := 1

	if status != nil {
		conds = append(conds, fmt.Sprintf("status = $%d", pos))
		args = append(args, *status)
		pos++
	}
	conds = append(conds, fmt.Sprintf("(updated_at, id) < ($%d, $%d)", pos, pos+1))
	args = append(args, afterUpdatedAt, afterID)
	pos += 2

	q := base
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limitPlusOne := limit + 1
	q += fmt.Sprintf(" ORDER BY updated_at DESC, id DESC LIMIT $%d", pos)
	args = append(args, limitPlusOne)

	var rows pgx.Rows
	err = r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]actionjob.Job, 0, limit)
	for rows.Next() {
		var j actionjob.Job
		var st string
		if scanErr := rows.Scan(&j.ID, &j.TriggerID, &j.EventID, &j.ActionIndex, &j.ActionSpec, &st,
			&j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LockedAt, &j.LockedBy, &j.LeaseExpiresAt,
			&j.LastError, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt); scanErr != nil {
			return nil, nil, false, scanErr
		}
		j.Status = actionjob.Status(st)
		out = append(out, j)
	}
	if rows.Err() != nil {
		return nil, nil, false, rows.Err()
	}

	if len(out) > limit {
		hasMore = true
		out = out[:limit]
		last := out[len(out)-1]
		cur := fmt.Sprintf("%d:%s", last.UpdatedAt.UnixNano(), last.ID)
		nextCursor = &cur
	}

	return out, nextCursor, hasMore, nil
}
