package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/observability"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrTriggerNotFound        = errors.New("trigger not found")
	ErrTriggerVersionConflict = errors.New("trigger version conflict")
)

// TriggersRepo is the control plane's storage for Trigger/Condition/
// ActionSpec; the core (Trigger Matcher, C6) only reads from it. CRUD
// mutation is exposed through internal/httpapi, out of the core's scope
// per spec.md §1, but the core still needs a read path to build its
// in-memory index. Mutations send no notification; the index picks them
// up on its next full rebuild.
type TriggersRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewTriggersRepo(pool *pgxpool.Pool, prom *observability.Prom) *TriggersRepo {
	return &TriggersRepo{pool: pool, prom: prom}
}

func (r *TriggersRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func (r *TriggersRepo) scanTrigger(row pgx.Row) (trigger.Trigger, error) {
	var t trigger.Trigger
	var conditionsJSON, actionsJSON, circuitJSON []byte

	err := row.Scan(&t.TriggerID, &t.OrganizationID, &t.Name, &t.ChainID, &t.Registry,
		&t.EventTypeFilter, &t.Enabled, &t.IsStateful, &conditionsJSON, &actionsJSON,
		&circuitJSON, &t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err != nil {
		return trigger.Trigger{}, err
	}

	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &t.Conditions); err != nil {
			return trigger.Trigger{}, err
		}
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &t.Actions); err != nil {
			return trigger.Trigger{}, err
		}
	}
	if len(circuitJSON) > 0 {
		if err := json.Unmarshal(circuitJSON, &t.CircuitConfig); err != nil {
			return trigger.Trigger{}, err
		}
	}
	return t, nil
}

const triggerColumns = `
	trigger_id, organization_id, name, chain_id, registry, event_type_filter,
	enabled, is_stateful, conditions, actions, circuit_config, created_at, updated_at, version
`

func (r *TriggersRepo) GetByID(ctx context.Context, id string) (trigger.Trigger, error) {
	op := "triggers.get_by_id"
	var t trigger.Trigger
	err := r.observe(op, func() error {
		var scanErr error
		t, scanErr = r.scanTrigger(r.pool.QueryRow(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE trigger_id = $1`, id))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return trigger.Trigger{}, ErrTriggerNotFound
		}
		return trigger.Trigger{}, err
	}
	return t, nil
}

// ListEnabled returns every enabled trigger, for the Trigger Matcher's
// full-index rebuild (periodic, and on startup).
func (r *TriggersRepo) ListEnabled(ctx context.Context) ([]trigger.Trigger, error) {
	op := "triggers.list_enabled"
	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE enabled = true`)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []trigger.Trigger{}
	for rows.Next() {
		t, scanErr := r.scanTrigger(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListUpdatedSince returns every trigger whose updated_at (which moves on
// every Version bump) is after since. The Trigger Matcher does not call
// it; its index is refreshed by full rebuilds only.
func (r *TriggersRepo) ListUpdatedSince(ctx context.Context, since time.Time) ([]trigger.Trigger, error) {
	op := "triggers.list_updated_since"
	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE updated_at > $1`, since)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []trigger.Trigger{}
	for rows.Next() {
		t, scanErr := r.scanTrigger(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListByOrganization paginates an organization's triggers by trigger_id
// for the control-plane's list endpoint (offset pagination is adequate
// here: the expected trigger count per organization is small).
func (r *TriggersRepo) ListByOrganization(ctx context.Context, orgID string, limit, offset int) ([]trigger.Trigger, error) {
	op := "triggers.list_by_organization"
	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx,
			`SELECT `+triggerColumns+` FROM triggers WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			orgID, limit, offset)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []trigger.Trigger{}
	for rows.Next() {
		t, scanErr := r.scanTrigger(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Create inserts a new trigger owned by orgID, generating its ID.
func (r *TriggersRepo) Create(ctx context.Context, t trigger.Trigger) (trigger.Trigger, error) {
	conditionsJSON, err := json.Marshal(t.Conditions)
	if err != nil {
		return trigger.Trigger{}, err
	}
	actionsJSON, err := json.Marshal(t.Actions)
	if err != nil {
		return trigger.Trigger{}, err
	}
	circuitJSON, err := json.Marshal(t.CircuitConfig)
	if err != nil {
		return trigger.Trigger{}, err
	}

	if t.TriggerID == "" {
		t.TriggerID = uuid.NewString()
	}

	op := "triggers.create"
	var created trigger.Trigger
	err = r.observe(op, func() error {
		var scanErr error
		created, scanErr = r.scanTrigger(r.pool.QueryRow(ctx, `
			INSERT INTO triggers (trigger_id, organization_id, name, chain_id, registry,
				event_type_filter, enabled, is_stateful, conditions, actions, circuit_config,
				created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now(), 1)
			RETURNING `+triggerColumns,
			t.TriggerID, t.OrganizationID, t.Name, t.ChainID, t.Registry, t.EventTypeFilter,
			t.Enabled, t.IsStateful, conditionsJSON, actionsJSON, circuitJSON))
		return scanErr
	})
	if err != nil {
		return trigger.Trigger{}, err
	}
	return created, nil
}

// Update replaces a trigger's mutable fields, requiring the caller's
// known Version to match (optimistic concurrency) and bumping it on
// success. The Trigger Matcher picks up the change on its next full
// rebuild.
func (r *TriggersRepo) Update(ctx context.Context, t trigger.Trigger) (trigger.Trigger, error) {
	conditionsJSON, err := json.Marshal(t.Conditions)
	if err != nil {
		return trigger.Trigger{}, err
	}
	actionsJSON, err := json.Marshal(t.Actions)
	if err != nil {
		return trigger.Trigger{}, err
	}
	circuitJSON, err := json.Marshal(t.CircuitConfig)
	if err != nil {
		return trigger.Trigger{}, err
	}

	op := "triggers.update"
	var updated trigger.Trigger
	err = r.observe(op, func() error {
		var scanErr error
		updated, scanErr = r.scanTrigger(r.pool.QueryRow(ctx, `
			UPDATE triggers SET name = $1, chain_id = $2, registry = $3, event_type_filter = $4,
				enabled = $5, is_stateful = $6, conditions = $7, actions = $8, circuit_config = $9,
				updated_at = now(), version = version + 1
			WHERE trigger_id = $10 AND version = $11
			RETURNING `+triggerColumns,
			t.Name, t.ChainID, t.Registry, t.EventTypeFilter, t.Enabled, t.IsStateful,
			conditionsJSON, actionsJSON, circuitJSON, t.TriggerID, t.Version))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return trigger.Trigger{}, ErrTriggerVersionConflict
		}
		return trigger.Trigger{}, err
	}
	return updated, nil
}

// Delete removes a trigger outright; the Trigger Matcher notices the
// absence on its next full rebuild.
func (r *TriggersRepo) Delete(ctx context.Context, id string) error {
	op := "triggers.delete"
	return r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `DELETE FROM triggers WHERE trigger_id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrTriggerNotFound
		}
		return nil
	})
}
