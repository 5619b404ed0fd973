package match

import (
	"context"
	"testing"

	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
)

type fakeLister struct {
	triggers []trigger.Trigger
}

func (f *fakeLister) ListEnabled(ctx context.Context) ([]trigger.Trigger, error) {
	return f.triggers, nil
}

func strPtr(s string) *string { return &s }

func newTrigger(id string, chainID, registry, eventType *string) trigger.Trigger {
	return trigger.Trigger{
		TriggerID:       id,
		Enabled:         true,
		ChainID:         chainID,
		Registry:        registry,
		EventTypeFilter: eventType,
	}
}

func testEvent() chainevent.Event {
	return chainevent.Event{
		ID:        "evt-1",
		ChainID:   "eth-mainnet",
		Registry:  "uniswap-v3",
		EventType: "swap",
	}
}

func TestCandidates_ExactAndWildcardMatch(t *testing.T) {
	lister := &fakeLister{triggers: []trigger.Trigger{
		newTrigger("t-exact", strPtr("eth-mainnet"), strPtr("uniswap-v3"), strPtr("swap")),
		newTrigger("t-wild-chain", nil, strPtr("uniswap-v3"), strPtr("swap")),
		newTrigger("t-other-registry", strPtr("eth-mainnet"), strPtr("sushiswap"), strPtr("swap")),
		newTrigger("t-all-wild", nil, nil, nil),
	}}

	m := New(lister, 100)
	if err := m.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	got, truncated := m.Candidates(testEvent())
	if truncated {
		t.Fatalf("did not expect truncation")
	}

	ids := make(map[string]bool)
	for _, tr := range got {
		ids[tr.TriggerID] = true
	}

	for _, want := range []string{"t-exact", "t-wild-chain", "t-all-wild"} {
		if !ids[want] {
			t.Errorf("expected candidate %q in result, got %v", want, ids)
		}
	}
	if ids["t-other-registry"] {
		t.Errorf("t-other-registry should not match a different registry")
	}
}

func TestCandidates_DisabledTriggerExcluded(t *testing.T) {
	disabled := newTrigger("t-disabled", nil, nil, nil)
	disabled.Enabled = false

	lister := &fakeLister{triggers: []trigger.Trigger{disabled}}
	m := New(lister, 100)
	_ = m.Rebuild(context.Background())

	got, _ := m.Candidates(testEvent())
	for _, tr := range got {
		if tr.TriggerID == "t-disabled" {
			t.Fatalf("disabled trigger must not be a candidate")
		}
	}
}

func TestCandidates_DeterministicTruncation(t *testing.T) {
	var triggers []trigger.Trigger
	for _, id := range []string{"c", "a", "b", "e", "d"} {
		triggers = append(triggers, newTrigger(id, nil, nil, nil))
	}

	lister := &fakeLister{triggers: triggers}
	m := New(lister, 3)
	_ = m.Rebuild(context.Background())

	got, truncated := m.Candidates(testEvent())
	if !truncated {
		t.Fatalf("expected truncation with maxTriggersPerEvent=3 and 5 candidates")
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates after truncation, got %d", len(got))
	}

	want := []string{"a", "b", "c"}
	for i, tr := range got {
		if tr.TriggerID != want[i] {
			t.Errorf("truncation not deterministic by TriggerID: got %v, want %v", got, want)
			break
		}
	}
}

func TestInvalidate_DropsIndex(t *testing.T) {
	lister := &fakeLister{triggers: []trigger.Trigger{newTrigger("t-1", nil, nil, nil)}}
	m := New(lister, 100)
	_ = m.Rebuild(context.Background())

	m.Invalidate()

	got, _ := m.Candidates(testEvent())
	if len(got) != 0 {
		t.Fatalf("expected empty candidates after Invalidate without a rebuild, got %d", len(got))
	}
}
