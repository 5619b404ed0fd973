package triggerstate

import (
	"testing"
	"time"
)

func TestWindowKey_SameBucketWithinWindow(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)

	k1 := WindowKey("cond-1", 60, base)
	k2 := WindowKey("cond-1", 60, base.Add(30*time.Second))
	if k1 != k2 {
		t.Errorf("expected same window bucket within 60s window, got %q and %q", k1, k2)
	}

	k3 := WindowKey("cond-1", 60, base.Add(90*time.Second))
	if k1 == k3 {
		t.Errorf("expected different window bucket after window elapses, got %q for both", k1)
	}
}

func TestWindowKey_NonPositiveWindowFallsBackToOne(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	k1 := WindowKey("cond-1", 0, base)
	k2 := WindowKey("cond-1", -5, base)
	if k1 != k2 {
		t.Errorf("expected non-positive window values to both fall back to window=1, got %q vs %q", k1, k2)
	}
}

func TestWindowKey_DistinctConditionsDoNotCollide(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	if WindowKey("cond-1", 60, base) == WindowKey("cond-2", 60, base) {
		t.Error("expected distinct condition IDs to produce distinct window keys")
	}
}

func TestNew_ZeroValueState(t *testing.T) {
	s := New("trigger-1")
	if s.TriggerID != "trigger-1" {
		t.Errorf("expected TriggerID to be set, got %q", s.TriggerID)
	}
	if s.Counters == nil || s.EMAs == nil {
		t.Error("expected New to initialize non-nil Counters/EMAs maps")
	}
	if s.Version != 0 {
		t.Errorf("expected fresh state to start at version 0, got %d", s.Version)
	}
}
