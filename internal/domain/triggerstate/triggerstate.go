package triggerstate

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("trigger state not found")
	ErrVersionConflict = errors.New("trigger state version conflict")
)

// EMA holds the running exponential moving average for one payload field.
type EMA struct {
	Value       float64   `json:"value"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// State is the durable per-trigger aggregate, mutated only by the
// Condition Evaluator (C7) under the trigger's advisory lock. Version is
// the opaque CAS token checked on every write.
type State struct {
	TriggerID   string             `json:"triggerId"`
	Counters    map[string]int64   `json:"counters"` // window_key -> count
	EMAs        map[string]EMA     `json:"emas"`      // field -> ema
	LastMatchAt *time.Time         `json:"lastMatchAt,omitempty"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	Version     int64              `json:"version"`
}

// New returns the zero-value state for a trigger that has never matched.
func New(triggerID string) State {
	return State{
		TriggerID: triggerID,
		Counters:  make(map[string]int64),
		EMAs:      make(map[string]EMA),
		UpdatedAt: time.Now().UTC(),
		Version:   0,
	}
}

// WindowKey buckets a rate condition's counter by floor(now/window).
func WindowKey(conditionID string, windowSeconds int, now time.Time) string {
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	bucket := now.Unix() / int64(windowSeconds)
	return conditionID + ":" + itoa(bucket)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
