// Package match implements the Trigger Matcher (C6): an in-memory index
// mapping (chain_id|*, registry|*, event_type|*) to candidate triggers,
// generalizing the teacher's internal/cache.Cache (a flat TTL map) into
// a routed index rebuilt periodically. Trigger mutations reach the index
// only through the next full rebuild; no mutation notification is
// subscribed to.
package match

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
)

const wildcard = "*"

// TriggersLister is the read surface the Matcher needs from the
// triggers repo; kept as an interface so tests can fake it.
type TriggersLister interface {
	ListEnabled(ctx context.Context) ([]trigger.Trigger, error)
}

type Matcher struct {
	mu      sync.RWMutex
	byRoute map[string][]trigger.Trigger // route key -> triggers

	lister TriggersLister

	maxTriggersPerEvent int
	truncatedTotal      uint64
}

func New(lister TriggersLister, maxTriggersPerEvent int) *Matcher {
	if maxTriggersPerEvent <= 0 {
		maxTriggersPerEvent = 100
	}
	return &Matcher{
		byRoute:             make(map[string][]trigger.Trigger),
		lister:              lister,
		maxTriggersPerEvent: maxTriggersPerEvent,
	}
}

func routeKey(chainID, registry, eventType string) string {
	return chainID + "|" + registry + "|" + eventType
}

// Rebuild does a full index rebuild from storage. Called on startup and
// on the periodic ticker in Run.
func (m *Matcher) Rebuild(ctx context.Context) error {
	triggers, err := m.lister.ListEnabled(ctx)
	if err != nil {
		return err
	}

	next := make(map[string][]trigger.Trigger)
	for _, t := range triggers {
		chainKey := wildcard
		if t.ChainID != nil {
			chainKey = *t.ChainID
		}
		registryKey := wildcard
		if t.Registry != nil {
			registryKey = *t.Registry
		}
		eventKey := wildcard
		if t.EventTypeFilter != nil {
			eventKey = *t.EventTypeFilter
		}
		key := routeKey(chainKey, registryKey, eventKey)
		next[key] = append(next[key], t)
	}

	m.mu.Lock()
	m.byRoute = next
	m.mu.Unlock()
	return nil
}

// Invalidate drops the whole index; Candidates returns no triggers until
// the next Rebuild. Candidates does not rebuild on its own.
func (m *Matcher) Invalidate() {
	m.mu.Lock()
	m.byRoute = nil
	m.mu.Unlock()
}

// Candidates returns the triggers that might match (chain_id, registry,
// event_type), combining the exact-match bucket with each wildcard
// combination, deterministically ordered by trigger_id and truncated at
// maxTriggersPerEvent (spec.md §4.6, and Open Question resolved in
// DESIGN.md in favor of deterministic truncation).
func (m *Matcher) Candidates(e chainevent.Event) (triggers []trigger.Trigger, truncated bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []trigger.Trigger

	for _, chainKey := range []string{e.ChainID, wildcard} {
		for _, registryKey := range []string{e.Registry, wildcard} {
			for _, eventKey := range []string{e.EventType, wildcard} {
				key := routeKey(chainKey, registryKey, eventKey)
				for _, t := range m.byRoute[key] {
					if _, dup := seen[t.TriggerID]; dup {
						continue
					}
					if !t.MatchesRoute(e.ChainID, e.Registry, e.EventType) {
						continue
					}
					seen[t.TriggerID] = struct{}{}
					out = append(out, t)
				}
			}
		}
	}

	sortByTriggerID(out)

	if len(out) > m.maxTriggersPerEvent {
		m.truncatedTotal++
		return out[:m.maxTriggersPerEvent], true
	}
	return out, false
}

func sortByTriggerID(ts []trigger.Trigger) {
	// simple insertion sort: candidate sets are small (bounded by
	// maxTriggersPerEvent headroom), and this keeps truncation
	// deterministic without pulling in sort for one call site.
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j].TriggerID < ts[j-1].TriggerID; j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

// Run rebuilds the full index once at start and then on every tick until
// ctx is cancelled; these rebuilds are how trigger mutations reach the
// index.
func (m *Matcher) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 60 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	if err := m.Rebuild(ctx); err != nil {
		slog.Default().ErrorContext(ctx, "matcher.initial_rebuild_failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.Rebuild(ctx); err != nil {
				slog.Default().ErrorContext(ctx, "matcher.rebuild_failed", "err", err)
			}
		}
	}
}
