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

const whatsappAPIBase = "https://graph.facebook.com/v19.0"

// WhatsAppAdapter delivers replies through the WhatsApp Cloud API. Channel
// credentials must carry "access_token" and "phone_number_id".
type WhatsAppAdapter struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewWhatsAppAdapter creates the adapter with the default Cloud API base.
func NewWhatsAppAdapter(log *slog.Logger, timeout time.Duration) *WhatsAppAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WhatsAppAdapter{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    whatsappAPIBase,
		logger:     log.With(slog.String("adapter", "whatsapp")),
	}
}

func (a *WhatsAppAdapter) Name() domain.ChannelType { return domain.ChannelWhatsApp }

func (a *WhatsAppAdapter) HealthCheck(_ context.Context) error { return nil }

func (a *WhatsAppAdapter) Send(ctx context.Context, channel tenant.Channel, record domain.OutboundRecord) error {
	token := channel.Credentials["access_token"]
	phoneID := channel.Credentials["phone_number_id"]
	if token == "" || phoneID == "" {
		return faults.Permanentf("whatsapp.credentials", "channel %s missing whatsapp credentials", channel.ID)
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                record.ExternalSenderID,
		"type":              "text",
		"text":              map[string]string{"body": record.Content},
	}
	url := a.baseURL + "/" + phoneID + "/messages"
	headers := map[string]string{"Authorization": "Bearer " + token}
	if err := postJSON(ctx, a.httpClient, url, payload, headers); err != nil {
		return err
	}
	a.logger.Debug("whatsapp message delivered", slog.String("delivery_id", record.DeliveryID))
	return nil
}
