package executors

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
)

func sampleEvent(t *testing.T) chainevent.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"amountIn":  "1500000",
		"pool":      map[string]any{"address": "0xabc"},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return chainevent.Event{
		ID:          "evt-1",
		ChainID:     "eth-mainnet",
		Registry:    "uniswap-v3",
		EventType:   "swap",
		BlockNumber: 12345,
		BlockHash:   "0xdeadbeef",
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:     payload,
	}
}

func TestRenderTemplate_FixedFieldsAndPayloadPath(t *testing.T) {
	e := sampleEvent(t)
	tmpl := `{"chain":"{{event.chainId}}","block":{{event.blockNumber}},"amt":"{{event.payload.amountIn}}","pool":"{{event.payload.pool.address}}"}`

	got := renderTemplate(tmpl, e)
	want := `{"chain":"eth-mainnet","block":12345,"amt":"1500000","pool":"0xabc"}`
	if got != want {
		t.Fatalf("renderTemplate mismatch:\n got: %s\nwant: %s", got, want)
	}
}

func TestRenderTemplate_UnresolvedTokenRendersEmpty(t *testing.T) {
	e := sampleEvent(t)
	got := renderTemplate(`before{{event.payload.nonexistent}}after`, e)
	if got != "beforeafter" {
		t.Fatalf("expected unresolved token to render empty, got %q", got)
	}
}

func TestRenderTemplate_UnterminatedTokenKeptVerbatim(t *testing.T) {
	e := sampleEvent(t)
	got := renderTemplate(`value={{event.id`, e)
	if got != "value={{event.id" {
		t.Fatalf("expected unterminated token left as-is, got %q", got)
	}
}

func TestLookupPath_NestedAndMissing(t *testing.T) {
	root := map[string]any{
		"a": map[string]any{"b": "c"},
	}
	if v, ok := lookupPath(root, "a.b"); !ok || v != "c" {
		t.Fatalf("expected a.b to resolve to c, got %v (%v)", v, ok)
	}
	if _, ok := lookupPath(root, "a.missing"); ok {
		t.Fatalf("expected a.missing to not resolve")
	}
	if _, ok := lookupPath(root, "a.b.c"); ok {
		t.Fatalf("expected traversal through a scalar to fail")
	}
}
