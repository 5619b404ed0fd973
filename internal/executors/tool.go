package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/security"
)

const defaultToolTimeout = 15 * time.Second
const toolMaxResponseBytes = 256 * 1024

type toolCallRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
	Event  toolEventView  `json:"event"`
}

type toolEventView struct {
	ID          string          `json:"id"`
	ChainID     string          `json:"chainId"`
	Registry    string          `json:"registry"`
	EventType   string          `json:"eventType"`
	BlockNumber int64           `json:"blockNumber"`
	Payload     json.RawMessage `json:"payload"`
}

type toolCallResponse struct {
	OK        bool   `json:"ok"`
	Permanent bool   `json:"permanent"`
	Error     string `json:"error"`
}

// ToolExecutor invokes an external RPC-style tool by name, POSTing a
// JSON envelope and bounding the response size it will read.
type ToolExecutor struct {
	endpoint string
	client   *http.Client
}

func NewToolExecutor(endpoint string) *ToolExecutor {
	return &ToolExecutor{endpoint: endpoint, client: security.NewHTTPClient(defaultToolTimeout, 3)}
}

func (t *ToolExecutor) Validate(spec trigger.ActionSpec) error {
	if spec.ToolName == "" {
		return fmt.Errorf("tool action: tool name required")
	}
	if t.endpoint == "" {
		return fmt.Errorf("tool action: no tool endpoint configured")
	}
	if !security.IsAllowedURL(context.Background(), t.endpoint) {
		return fmt.Errorf("%w: %s", security.ErrBlockedURL, t.endpoint)
	}
	return nil
}

func (t *ToolExecutor) Execute(ctx context.Context, spec trigger.ActionSpec, event chainevent.Event) Outcome {
	if err := t.Validate(spec); err != nil {
		return permanent(err.Error(), true)
	}

	payload, err := json.Marshal(toolCallRequest{
		Tool:   spec.ToolName,
		Params: spec.ToolParams,
		Event: toolEventView{
			ID: event.ID, ChainID: event.ChainID, Registry: event.Registry,
			EventType: event.EventType, BlockNumber: event.BlockNumber, Payload: event.Payload,
		},
	})
	if err != nil {
		return permanent("invalid tool params: "+err.Error(), true)
	}

	timeout := actionTimeout(spec, defaultToolTimeout)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return permanent("invalid request: "+err.Error(), true)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return transient("tool provider request failed: "+err.Error(), nil)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, toolMaxResponseBytes+1))
	if err != nil {
		return transient("tool provider response read failed: "+err.Error(), nil)
	}
	if len(body) > toolMaxResponseBytes {
		return permanent("tool provider response exceeded size bound", false)
	}

	if resp.StatusCode >= 500 {
		return transient(fmt.Sprintf("tool provider http %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return permanent(fmt.Sprintf("tool provider http %d", resp.StatusCode), true)
	}

	var parsed toolCallResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return transient("tool provider returned unparseable response", nil)
	}
	if parsed.OK {
		return ok()
	}
	if parsed.Permanent {
		return permanent(parsed.Error, true)
	}
	return transient(parsed.Error, nil)
}
