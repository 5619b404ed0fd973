// Package poll implements the Poller (C5): a periodic sweep over every
// event missing from processed_events, covering Listener downtime,
// transport drops, and crashes between "evaluated" and
// "processed_events write". A failed event stays eligible on every
// later pass since eligibility is keyed on the processed_events row,
// not on when the event was ingested.
package poll

import (
	"context"
	"log/slog"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/pipeline"
)

const source = "poller"
const cascadeGuardThreshold = 10
const cascadeGuardPause = time.Minute

// EventsRepo is the Poller's read surface over the Event Store.
type EventsRepo interface {
	Unprocessed(ctx context.Context, until time.Time, limit int) ([]chainevent.Event, error)
}

type Poller struct {
	events    EventsRepo
	pipeline  *pipeline.Pipeline
	interval  time.Duration
	batchSize int
	log       *slog.Logger
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

func New(events EventsRepo, pl *pipeline.Pipeline, cfg Config, log *slog.Logger) *Poller {
	if cfg.Interval < 5*time.Second {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		events:    events,
		pipeline:  pl,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		log:       log,
	}
}

// Run ticks until ctx is cancelled, tracking consecutive batch failures
// and pausing the loop for cascadeGuardPause once cascadeGuardThreshold
// is reached, per spec.md §4.5.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.pollOnce(ctx); err != nil {
				consecutiveFailures++
				p.log.ErrorContext(ctx, "poller.batch_failed", "consecutive_failures", consecutiveFailures, "err", err)
				if consecutiveFailures >= cascadeGuardThreshold {
					p.log.ErrorContext(ctx, "poller.cascade_guard_engaged", "pause", cascadeGuardPause.String())
					select {
					case <-ctx.Done():
						return
					case <-time.After(cascadeGuardPause):
					}
					consecutiveFailures = 0
				}
				continue
			}
			consecutiveFailures = 0
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	until := time.Now().UTC()

	events, err := p.events.Unprocessed(ctx, until, p.batchSize)
	if err != nil {
		return err
	}

	var firstErr error
	for _, e := range events {
		if err := p.pipeline.ProcessEvent(ctx, e.ID, source); err != nil {
			p.log.ErrorContext(ctx, "poller.event_failed", "event_id", e.ID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
