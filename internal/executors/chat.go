package executors

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/geocoder89/triggerhub/internal/domain/chainevent"
	"github.com/geocoder89/triggerhub/internal/domain/trigger"
	"github.com/geocoder89/triggerhub/internal/ratelimit"
	"github.com/geocoder89/triggerhub/internal/security"
)

const defaultChatTimeout = 10 * time.Second

// ChatExecutor renders a templated message and POSTs it to a webhook
// provider, honoring the provider's Retry-After header and a per-
// endpoint rate limit (C12).
type ChatExecutor struct {
	client  *http.Client
	limiter *ratelimit.Limiter
	tier    ratelimit.Tier
}

func NewChatExecutor(limiter *ratelimit.Limiter, tier ratelimit.Tier) *ChatExecutor {
	return &ChatExecutor{
		client:  security.NewHTTPClient(defaultChatTimeout, 3),
		limiter: limiter,
		tier:    tier,
	}
}

func (c *ChatExecutor) Validate(spec trigger.ActionSpec) error {
	if spec.ChatWebhookURL == "" {
		return fmt.Errorf("chat action: webhook url required")
	}
	if !security.IsAllowedURL(context.Background(), spec.ChatWebhookURL) {
		return fmt.Errorf("%w: %s", security.ErrBlockedURL, spec.ChatWebhookURL)
	}
	return nil
}

func (c *ChatExecutor) Execute(ctx context.Context, spec trigger.ActionSpec, event chainevent.Event) Outcome {
	if err := c.Validate(spec); err != nil {
		return permanent(err.Error(), true)
	}

	if c.limiter != nil {
		res, err := c.limiter.Allow(ctx, spec.ChatWebhookURL, "chat_executor", c.tier)
		if err == nil && !res.Allowed {
			retryAfter := time.Until(res.ResetAt)
			return transient("rate limited by chat provider tier", &retryAfter)
		}
	}

	body := renderTemplate(spec.ChatTemplate, event)

	timeout := actionTimeout(spec, defaultChatTimeout)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, spec.ChatWebhookURL, bytes.NewBufferString(body))
	if err != nil {
		return permanent("invalid request: "+err.Error(), true)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return transient("chat provider request failed: "+err.Error(), nil)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra != nil {
			return transient("chat provider rate limited", ra)
		}
		d := 30 * time.Second
		return transient("chat provider rate limited", &d)
	}
	if resp.StatusCode >= 500 {
		return transient(fmt.Sprintf("chat provider http %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return permanent(fmt.Sprintf("chat provider http %d", resp.StatusCode), true)
	}
	return ok()
}

func parseRetryAfter(h string) *time.Duration {
	if h == "" {
		return nil
	}
	if secs, err := strconv.Atoi(h); err == nil {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(h); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
