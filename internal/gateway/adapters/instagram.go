package adapters

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/tenant"
)

const instagramAPIBase = "https://graph.facebook.com/v19.0"

// InstagramAdapter delivers replies through the Instagram Messaging API.
// Channel credentials must carry "access_token" and "page_id".
type InstagramAdapter struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewInstagramAdapter creates the adapter with the default Graph endpoint.
func NewInstagramAdapter(log *slog.Logger, timeout time.Duration) *InstagramAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &InstagramAdapter{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    instagramAPIBase,
		logger:     log.With(slog.String("adapter", "instagram")),
	}
}

func (a *InstagramAdapter) Name() domain.ChannelType { return domain.ChannelInstagram }

func (a *InstagramAdapter) HealthCheck(_ context.Context) error { return nil }

func (a *InstagramAdapter) Send(ctx context.Context, channel tenant.Channel, record domain.OutboundRecord) error {
	token := channel.Credentials["access_token"]
	pageID := channel.Credentials["page_id"]
	if token == "" || pageID == "" {
		return faults.Permanentf("instagram.credentials", "channel %s missing instagram credentials", channel.ID)
	}

	payload := map[string]any{
		"recipient": map[string]string{"id": record.ExternalSenderID},
		"message":   map[string]string{"text": record.Content},
	}
	url := a.baseURL + "/" + pageID + "/messages?access_token=" + token
	if err := postJSON(ctx, a.httpClient, url, payload, nil); err != nil {
		return err
	}
	a.logger.Debug("instagram message delivered", slog.String("delivery_id", record.DeliveryID))
	return nil
}
