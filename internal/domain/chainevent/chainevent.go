package chainevent

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("event not found")

// Event is a single decoded occurrence observed on a chain: a log line,
// a transaction receipt entry, or an indexer-normalized record. The core
// pipeline is agnostic to what produced it.
type Event struct {
	ID          string          `json:"id"`
	ChainID     string          `json:"chainId"`
	Registry    string          `json:"registry"`
	EventType   string          `json:"eventType"`
	BlockNumber int64           `json:"blockNumber"`
	BlockHash   string          `json:"blockHash"`
	Timestamp   time.Time       `json:"timestamp"`
	AgentID     *string         `json:"agentId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	IngestedAt  time.Time       `json:"ingestedAt"`
}

type CreateRequest struct {
	ID          string
	ChainID     string
	Registry    string
	EventType   string
	BlockNumber int64
	BlockHash   string
	Timestamp   time.Time
	AgentID     *string
	Payload     json.RawMessage
}

// New builds an Event from an ingest request. If ID is empty a fresh one
// is minted; producers that already have a stable upstream ID (e.g. a
// tx-hash/log-index pair) should pass it through so re-ingestion is a
// no-op at the store layer.
func New(req CreateRequest) Event {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	return Event{
		ID:          id,
		ChainID:     req.ChainID,
		Registry:    req.Registry,
		EventType:   req.EventType,
		BlockNumber: req.BlockNumber,
		BlockHash:   req.BlockHash,
		Timestamp:   req.Timestamp,
		AgentID:     req.AgentID,
		Payload:     req.Payload,
		IngestedAt:  time.Now().UTC(),
	}
}

// ListFilter supports the Poller's gap-recovery scan and any admin query
// surface over raw events.
type ListFilter struct {
	ChainID     *string
	Registry    *string
	EventType   *string
	AfterBlock  *int64
	Limit       int
}
