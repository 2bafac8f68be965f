package connectors

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
)

// WebhookConnector POSTs the rule payload to a tenant-configured URL.
type WebhookConnector struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookConnector builds the webhook connector.
func NewWebhookConnector(log *slog.Logger, timeout time.Duration) *WebhookConnector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &WebhookConnector{
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("connector", "webhook")),
	}
}

func (c *WebhookConnector) Name() string { return "webhook" }

func (c *WebhookConnector) HealthCheck(_ context.Context) error { return nil }

type webhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
}

// Invoke sends the configured request, merging trigger variables into the
// body under "event".
func (c *WebhookConnector) Invoke(ctx context.Context, req Request) (Response, error) {
	var payload webhookPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return Response{}, permanentf("webhook.payload", "decode webhook payload: %v", err)
	}
	if payload.URL == "" {
		return Response{}, permanentf("webhook.url", "webhook url missing")
	}
	method := strings.ToUpper(payload.Method)
	if method == "" {
		method = http.MethodPost
	}

	body := payload.Body
	if body == nil {
		body = map[string]any{}
	}
	if len(req.Vars) > 0 {
		body["event"] = req.Vars
	}

	if req.DryRun {
		return Response{Status: "dry_run", Detail: map[string]any{"url": payload.URL, "method": method}}, nil
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshal webhook body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, payload.URL, bytes.NewReader(encoded))
	if err != nil {
		return Response{}, permanentf("webhook.request", "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range payload.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, transientf("webhook.send", "send webhook: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Response{}, transientf("webhook.status", "webhook returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Response{}, permanentf("webhook.status", "webhook rejected with %d", resp.StatusCode)
	}

	c.logger.Info("webhook delivered",
		slog.String("tenant_id", req.TenantID), slog.Int("status", resp.StatusCode))
	return Response{Status: "sent", Detail: map[string]any{"status_code": resp.StatusCode}}, nil
}
