package actionjob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound = errors.New("action job not found")
	ErrQueueFull     = errors.New("action job queue full")
	ErrQueueCritical = errors.New("action job queue at critical watermark")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Job is one materialized delivery attempt for a trigger/action pair
// against a single event. It generalizes the teacher's job.Job with the
// trigger/event/action-index provenance the spec requires, plus a
// deterministic idempotency key so repeated enqueues collapse.
type Job struct {
	ID             string     `json:"id"`
	TriggerID      string     `json:"triggerId"`
	EventID        string     `json:"eventId"`
	ActionIndex    int        `json:"actionIndex"`
	ActionSpec     []byte     `json:"actionSpec"` // json.RawMessage of trigger.ActionSpec
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"maxAttempts"`
	RunAt          time.Time  `json:"runAt"` // not_before
	LockedAt       *time.Time `json:"lockedAt,omitempty"`
	LockedBy       *string    `json:"lockedBy,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	LastError      *string    `json:"lastError,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type CreateRequest struct {
	TriggerID   string
	EventID     string
	ActionIndex int
	ActionSpec  []byte
	NotBefore   time.Time
	MaxAttempts int
}

// IdempotencyKey deterministically hashes (trigger_id, event_id,
// action_index) per spec.md §3. crypto/sha256 is used rather than a
// third-party hashing library: no deterministic-hash dependency appears
// anywhere in the retrieved example corpus (google/uuid, the pack's only
// hashing-adjacent dependency, is explicitly random and unsuitable here).
func IdempotencyKey(triggerID, eventID string, actionIndex int) string {
	h := sha256.New()
	h.Write([]byte(triggerID))
	h.Write([]byte{0})
	h.Write([]byte(eventID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(actionIndex)))
	return hex.EncodeToString(h.Sum(nil))
}

func New(req CreateRequest) Job {
	now := time.Now().UTC()

	maxA := req.MaxAttempts
	if maxA <= 0 {
		maxA = 3
	}

	runAt := req.NotBefore
	if runAt.IsZero() {
		runAt = now
	}

	return Job{
		ID:             uuid.NewString(),
		TriggerID:      req.TriggerID,
		EventID:        req.EventID,
		ActionIndex:    req.ActionIndex,
		ActionSpec:     req.ActionSpec,
		Status:         StatusPending,
		Attempts:       0,
		MaxAttempts:    maxA,
		RunAt:          runAt,
		IdempotencyKey: IdempotencyKey(req.TriggerID, req.EventID, req.ActionIndex),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ResultStatus is the terminal outcome an executor reports for one attempt.
type ResultStatus string

const (
	ResultOK             ResultStatus = "ok"
	ResultTransientFail  ResultStatus = "transient_fail"
	ResultPermanentFail  ResultStatus = "permanent_fail"
)

// Result is an append-only audit record of one execution attempt.
type Result struct {
	JobID       string       `json:"jobId"`
	Attempt     int          `json:"attempt"`
	Status      ResultStatus `json:"status"`
	ErrorCode   *string      `json:"errorCode,omitempty"`
	HTTPStatus  *int         `json:"httpStatus,omitempty"`
	DurationMS  int64        `json:"durationMs"`
	CompletedAt time.Time    `json:"completedAt"`
}
