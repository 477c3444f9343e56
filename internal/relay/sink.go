package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
)

const webhookErrorBodyLimit = 512

// Payload is the body delivered to the webhook sink and to live subscribers.
type Payload struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id"`
	Message   *domain.Message `json:"message,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Sink receives relay payloads for an agent. Retries, if any, are the sink's business.
type Sink interface {
	Deliver(ctx context.Context, agentID int64, payload *Payload) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, agentID int64, payload *Payload) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, agentID int64, payload *Payload) error {
	return f(ctx, agentID, payload)
}

// NopSink drops every payload.
type NopSink struct{}

// Deliver does nothing.
func (NopSink) Deliver(context.Context, int64, *Payload) error { return nil }

// WebhookSink posts payloads to the agent backend.
type WebhookSink struct {
	client  *http.Client
	baseURL string
	secret  string
	logger  *slog.Logger
}

// NewWebhookSink creates a sink posting to {baseURL}/api/webhooks/telegram/{agent_id}.
func NewWebhookSink(baseURL, secret string, timeout time.Duration, logger *slog.Logger) *WebhookSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		logger:  logger,
	}
}

// URL returns the webhook endpoint of an agent.
func (s *WebhookSink) URL(agentID int64) string {
	return fmt.Sprintf("%s/api/webhooks/telegram/%d", s.baseURL, agentID)
}

// Deliver posts payload as JSON. Any non-2xx status is an error.
func (s *WebhookSink) Deliver(ctx context.Context, agentID int64, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL(agentID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.secret != "" {
		req.Header.Set("Authorization", "Bearer "+s.secret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Debug("failed to close webhook response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, webhookErrorBodyLimit))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
