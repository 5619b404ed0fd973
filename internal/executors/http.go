package executors

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/actionjob"
	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/security"
)

const defaultHTTPTimeout = 30 * time.Second
const httpMaxRetries = 3
const httpMaxResponseBytes = 1 << 20 // 1 MiB

var allowedHTTPMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

// HTTPExecutor dispatches user-configured webhook calls. SSRF protection
// is mandatory and re-checked immediately before each attempt, not just
// at validation time, per spec.md §4.11.
type HTTPExecutor struct {
	client *http.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: security.NewHTTPClient(defaultHTTPTimeout, 5)}
}

func (h *HTTPExecutor) Validate(spec trigger.ActionSpec) error {
	method := strings.ToUpper(spec.HTTPMethod)
	if !allowedHTTPMethods[method] {
		return fmt.Errorf("http action: unsupported method %q", spec.HTTPMethod)
	}
	if spec.HTTPURL == "" {
		return fmt.Errorf("http action: url required")
	}
	if !security.IsAllowedURL(context.Background(), spec.HTTPURL) {
		return fmt.Errorf("%w: %s", security.ErrBlockedURL, spec.HTTPURL)
	}
	if err := security.ValidateHeaders(spec.HTTPHeaders); err != nil {
		return fmt.Errorf("http action: %w", err)
	}
	return nil
}

func (h *HTTPExecutor) Execute(ctx context.Context, spec trigger.ActionSpec, event chainevent.Event) Outcome {
	if err := h.Validate(spec); err != nil {
		return permanent(err.Error(), true)
	}

	timeout := actionTimeout(spec, defaultHTTPTimeout)
	body := renderTemplate(spec.HTTPBody, event)

	var lastOutcome Outcome
	for attempt := 0; attempt < httpMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-ctx.Done():
				return transient("context cancelled during retry wait", nil)
			}
		}

		// SSRF is re-checked here (not only in Validate above) to close
		// the window between config validation and the in-flight
		// request, per spec.md §4.11.
		if !security.IsAllowedURL(ctx, spec.HTTPURL) {
			return permanent(fmt.Sprintf("%s: %s", security.ErrBlockedURL, spec.HTTPURL), true)
		}

		lastOutcome = h.attempt(ctx, spec, body, timeout)
		if lastOutcome.Status != actionjob.ResultTransientFail {
			return lastOutcome
		}
	}
	return lastOutcome
}

func (h *HTTPExecutor) attempt(ctx context.Context, spec trigger.ActionSpec, body string, timeout time.Duration) Outcome {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(spec.HTTPMethod)
	var reader io.Reader
	if method != http.MethodGet && body != "" {
		reader = bytes.NewBufferString(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, spec.HTTPURL, reader)
	if err != nil {
		return permanent("invalid request: "+err.Error(), true)
	}
	for k, v := range spec.HTTPHeaders {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return transient("request failed: "+err.Error(), nil)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, httpMaxResponseBytes)
	_, _ = io.Copy(io.Discard, limited)

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return ok()
	case status >= 500:
		o := transient(fmt.Sprintf("http %d", status), nil)
		o.HTTPStatus = &status
		return o
	default:
		o := permanent(fmt.Sprintf("http %d", status), true)
		o.HTTPStatus = &status
		return o
	}
}

func retryBackoff(attempt int) time.Duration {
	base := time.Second
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	return delay + time.Duration(rand.Intn(250))*time.Millisecond
}
