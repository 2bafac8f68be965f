package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// CRMConnector records events against a CRM HTTP API. The endpoint and
// credentials live in the rule's action payload; the connector treats the
// CRM as an opaque events API.
type CRMConnector struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCRMConnector builds the CRM connector.
func NewCRMConnector(log *slog.Logger, timeout time.Duration) *CRMConnector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CRMConnector{
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("connector", "crm")),
	}
}

func (c *CRMConnector) Name() string { return "crm" }

func (c *CRMConnector) HealthCheck(_ context.Context) error { return nil }

type crmPayload struct {
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key,omitempty"`
	Event    string            `json:"event"`
	Fields   map[string]string `json:"fields,omitempty"`
}

func (c *CRMConnector) Invoke(ctx context.Context, req Request) (Response, error) {
	var payload crmPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return Response{}, permanentf("crm.payload", "decode crm payload: %v", err)
	}
	if payload.Endpoint == "" || payload.Event == "" {
		return Response{}, permanentf("crm.config", "crm endpoint and event are required")
	}

	if req.DryRun {
		return Response{Status: "dry_run", Detail: map[string]any{"endpoint": payload.Endpoint, "event": payload.Event}}, nil
	}

	record := map[string]any{
		"event":     payload.Event,
		"tenant_id": req.TenantID,
		"brand_id":  req.BrandID,
		"fields":    payload.Fields,
	}
	if len(req.Vars) > 0 {
		record["properties"] = req.Vars
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return Response{}, fmt.Errorf("marshal crm record: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.Endpoint, bytes.NewReader(encoded))
	if err != nil {
		return Response{}, permanentf("crm.request", "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if payload.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+payload.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, transientf("crm.send", "send crm event: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Response{}, transientf("crm.status", "crm returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Response{}, permanentf("crm.status", "crm rejected with %d", resp.StatusCode)
	}

	c.logger.Info("crm event recorded",
		slog.String("tenant_id", req.TenantID), slog.String("event", payload.Event))
	return Response{Status: "sent", Detail: map[string]any{"status_code": resp.StatusCode}}, nil
}
