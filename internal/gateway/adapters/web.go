package adapters

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/conversehq/converse/internal/auth"
	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/tenant"
)

// WebAdapter delivers replies to the hosted web widget's backend. The
// channel credential "webhook_url" is the provider-facing delivery URL,
// treated as opaque; deliveries are signed with the channel secret so the
// widget backend can authenticate them.
type WebAdapter struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebAdapter creates the adapter.
func NewWebAdapter(log *slog.Logger, timeout time.Duration) *WebAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebAdapter{
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(slog.String("adapter", "web")),
	}
}

func (a *WebAdapter) Name() domain.ChannelType { return domain.ChannelWeb }

func (a *WebAdapter) HealthCheck(_ context.Context) error { return nil }

func (a *WebAdapter) Send(ctx context.Context, channel tenant.Channel, record domain.OutboundRecord) error {
	url := channel.Credentials["webhook_url"]
	if url == "" {
		return faults.Permanentf("web.credentials", "channel %s missing webhook_url", channel.ID)
	}

	payload := map[string]any{
		"delivery_id": record.DeliveryID,
		"sender_id":   record.ExternalSenderID,
		"content":     record.Content,
		"metadata":    record.Metadata,
	}
	body, err := jsonBody(payload)
	if err != nil {
		return err
	}
	headers := map[string]string{}
	if channel.HMACSecret != "" {
		headers["X-Webchat-Signature"] = auth.Sign(channel.HMACSecret, body)
	}
	if err := postSignedJSON(ctx, a.httpClient, url, body, headers); err != nil {
		return err
	}
	a.logger.Debug("web message delivered", slog.String("delivery_id", record.DeliveryID))
	return nil
}
