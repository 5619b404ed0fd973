package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/observability"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const newEventChannel = "new_event"

// EventsRepo is the Event Store (C1): an append-only log keyed by
// event_id, idempotent on insert, with a pub/sub subscribe() built on
// Postgres LISTEN/NOTIFY.
type EventsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewEventsRepo(pool *pgxpool.Pool, prom *observability.Prom) *EventsRepo {
	return &EventsRepo{pool: pool, prom: prom}
}

func (r *EventsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Append inserts the event if it is new; duplicate event_ids are silent
// no-ops per spec.md §4.1. On successful insert it NOTIFYs subscribers
// with the new event_id in the same transaction so listeners never
// observe a notify without a durable row behind it.
func (r *EventsRepo) Append(ctx context.Context, e chainevent.Event) (inserted bool, err error) {
	op := "events.append"

	err = r.observe(op, func() error {
		tx, txErr := r.pool.Begin(ctx)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback(ctx)

		tag, execErr := tx.Exec(ctx, `
			INSERT INTO events(
				id, chain_id, registry, event_type, block_number, block_hash,
				"timestamp", agent_id, payload, ingested_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.ChainID, e.Registry, e.EventType, e.BlockNumber, e.BlockHash,
			e.Timestamp, e.AgentID, e.Payload, e.IngestedAt)
		if execErr != nil {
			return execErr
		}

		inserted = tag.RowsAffected() > 0
		if inserted {
			if _, notifyErr := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, newEventChannel, e.ID); notifyErr != nil {
				return notifyErr
			}
		}

		return tx.Commit(ctx)
	})

	return inserted, err
}

func (r *EventsRepo) GetByID(ctx context.Context, id string) (chainevent.Event, error) {
	var e chainevent.Event
	op := "events.get_by_id"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT id, chain_id, registry, event_type, block_number, block_hash,
			       "timestamp", agent_id, payload, ingested_at
			FROM events WHERE id = $1
		`, id).Scan(&e.ID, &e.ChainID, &e.Registry, &e.EventType, &e.BlockNumber,
			&e.BlockHash, &e.Timestamp, &e.AgentID, &e.Payload, &e.IngestedAt)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chainevent.Event{}, chainevent.ErrNotFound
		}
		return chainevent.Event{}, err
	}
	return e, nil
}

// FetchRange returns events with ingested_at in (since, until], ordered
// oldest-first, capped at limit.
func (r *EventsRepo) FetchRange(ctx context.Context, since, until time.Time, limit int) ([]chainevent.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	op := "events.fetch_range"

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT id, chain_id, registry, event_type, block_number, block_hash,
			       "timestamp", agent_id, payload, ingested_at
			FROM events
			WHERE ingested_at > $1 AND ingested_at <= $2
			ORDER BY ingested_at ASC
			LIMIT $3
		`, since, until, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chainevent.Event, 0, limit)
	for rows.Next() {
		var e chainevent.Event
		if scanErr := rows.Scan(&e.ID, &e.ChainID, &e.Registry, &e.EventType,
			&e.BlockNumber, &e.BlockHash, &e.Timestamp, &e.AgentID, &e.Payload, &e.IngestedAt); scanErr != nil {
			return nil, scanErr
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Unprocessed returns events up to until that have no row in
// processed_events, i.e. the Listener-missed set the Poller must cover.
// Deliberately has no lower time bound: the correctness condition is
// "no processed_events row", not recency, so an event that failed
// pipeline processing on a prior pass stays eligible on every later
// pass until it is actually marked processed.
func (r *EventsRepo) Unprocessed(ctx context.Context, until time.Time, limit int) ([]chainevent.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	op := "events.unprocessed"

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT e.id, e.chain_id, e.registry, e.event_type, e.block_number, e.block_hash,
			       e."timestamp", e.agent_id, e.payload, e.ingested_at
			FROM events e
			LEFT JOIN processed_events p ON p.event_id = e.id
			WHERE e.ingested_at <= $1 AND p.event_id IS NULL
			ORDER BY e.ingested_at ASC
			LIMIT $2
		`, until, limit)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]chainevent.Event, 0, limit)
	for rows.Next() {
		var e chainevent.Event
		if scanErr := rows.Scan(&e.ID, &e.ChainID, &e.Registry, &e.EventType,
			&e.BlockNumber, &e.BlockHash, &e.Timestamp, &e.AgentID, &e.Payload, &e.IngestedAt); scanErr != nil {
			return nil, scanErr
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkProcessed records that event_id has passed through the evaluation
// pipeline successfully, per spec.md §4.4's processed-events ledger.
// Idempotent: a duplicate mark from the Poller racing the Listener is a
// silent no-op.
func (r *EventsRepo) MarkProcessed(ctx context.Context, eventID string) error {
	op := "events.mark_processed"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO processed_events(event_id, processed_at) VALUES ($1, NOW())
			ON CONFLICT (event_id) DO NOTHING
		`, eventID)
		return err
	})
}

func (r *EventsRepo) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	op := "events.is_processed"
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	})
	return exists, err
}

// Subscribe listens on the new_event channel using a dedicated
// connection acquired from the pool, delivering event_ids on the
// returned channel until ctx is cancelled. On transport drop it
// reconnects with exponential backoff bounded by [backoffMin,
// backoffMax], per spec.md §4.1. Gaps that occur before the first
// successful (re)connect are the Poller's job to cover.
func (r *EventsRepo) Subscribe(ctx context.Context, backoffMin, backoffMax time.Duration) <-chan string {
	out := make(chan string, 256)

	go func() {
		defer close(out)

		backoff := backoffMin
		if backoff <= 0 {
			backoff = time.Second
		}
		if backoffMax <= 0 {
			backoffMax = 30 * time.Second
		}

		for ctx.Err() == nil {
			if err := r.listenOnce(ctx, out); err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// listenOnce only returns nil once ctx is done.
			return
		}
	}()

	return out
}

func (r *EventsRepo) listenOnce(ctx context.Context, out chan<- string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{newEventChannel}.Sanitize())); err != nil {
		return err
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case out <- notification.Payload:
		case <-ctx.Done():
			return nil
		}
	}
}
