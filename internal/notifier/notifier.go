// Package notifier delivers best-effort staff push notifications through an
// external gateway. Failures are logged and never propagate into the chat
// flow.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"supportchat_backend/platform/config"
	"supportchat_backend/platform/logger"
)

// Notification is one staff-facing push.
type Notification struct {
	Title           string `json:"title"`
	Body            string `json:"body"`
	ConversationKey string `json:"conversationKey"`
	// IdempotencyKey lets the gateway drop duplicates when a notification
	// is retried. Callers use the triggering message id.
	IdempotencyKey string `json:"idempotencyKey"`
}

// Client posts notifications to the push gateway. A nil Client is a no-op.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *logger.Logger
}

// NewClient creates a gateway client, or nil when push is not configured.
func NewClient(cfg config.PushConfig, log *logger.Logger) *Client {
	if !cfg.IsPushEnabled() {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.GetPushGatewayURL(), "/"),
		apiKey:  cfg.GetPushGatewayKey(),
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Notify sends one push. The returned error is for the caller's log line
// only; chat handling never depends on it.
func (c *Client) Notify(ctx context.Context, n Notification) error {
	if c == nil {
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/notify", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.IdempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("push notification failed", "error", err, "conversation", n.ConversationKey)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("push gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		c.log.Warn("push notification rejected", "error", err, "conversation", n.ConversationKey)
		return err
	}
	return nil
}
