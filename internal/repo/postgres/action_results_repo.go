package postgres

import (
	"context"

	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/geocoder89/triggerhub/internal/observability"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ActionResultsRepo is the append-only audit trail of execution attempts
// (spec.md §3 ActionResult), queryable by trigger owners per §7.
type ActionResultsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewActionResultsRepo(pool *pgxpool.Pool, prom *observability.Prom) *ActionResultsRepo {
	return &ActionResultsRepo{pool: pool, prom: prom}
}

func (r *ActionResultsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *ActionResultsRepo) Append(ctx context.Context, res actionjob.Result) error {
	op := "action_results.append"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO action_results(job_id, attempt, status, error_code, http_status, duration_ms, completed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, res.JobID, res.Attempt, string(res.Status), res.ErrorCode, res.HTTPStatus, res.DurationMS, res.CompletedAt)
		return err
	})
}

func (r *ActionResultsRepo) ListByJob(ctx context.Context, jobID string) ([]actionjob.Result, error) {
	op := "action_results.list_by_job"
	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT job_id, attempt, status, error_code, http_status, duration_ms, completed_at
			FROM action_results WHERE job_id = $1 ORDER BY attempt ASC
		`, jobID)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []actionjob.Result{}
	for rows.Next() {
		var res actionjob.Result
		var status string
		if scanErr := rows.Scan(&res.JobID, &res.Attempt, &status, &res.ErrorCode, &res.HTTPStatus, &res.DurationMS, &res.CompletedAt); scanErr != nil {
			return nil, scanErr
		}
		res.Status = actionjob.ResultStatus(status)
		out = append(out, res)
	}
	return out, rows.Err()
}
