package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/conversehq/converse/internal/audit"
	"github.com/conversehq/converse/internal/auth"
	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/faults"
	"github.com/conversehq/converse/internal/metrics"
	"github.com/conversehq/converse/internal/server"
	"github.com/conversehq/converse/internal/tenant"
)

// maxWebhookBody bounds provider payloads.
const maxWebhookBody = 1 << 20

// signatureHeaders maps channel types to their provider signature header.
var signatureHeaders = map[domain.ChannelType]string{
	domain.ChannelInstagram: "X-Instagram-Signature",
	domain.ChannelWhatsApp:  "X-Whatsapp-Signature",
	domain.ChannelTelegram:  "X-Telegram-Signature",
	domain.ChannelWeb:       "X-Webchat-Signature",
}

// InboundHandler terminates provider webhooks: signature verification,
// normalization, and forwarding to the orchestrator.
type InboundHandler struct {
	tenants        *tenant.Service
	forwarder      *Forwarder
	audits         *audit.Service
	defaultSecrets map[string]string
	logger         *slog.Logger
}

// NewInboundHandler creates the handler. defaultSecrets seeds per-channel
// secrets from the environment for channels without a database row.
func NewInboundHandler(log *slog.Logger, tenants *tenant.Service, forwarder *Forwarder, audits *audit.Service, defaultSecrets map[string]string) *InboundHandler {
	return &InboundHandler{
		tenants:        tenants,
		forwarder:      forwarder,
		audits:         audits,
		defaultSecrets: defaultSecrets,
		logger:         log.With(slog.String("handler", "webhooks")),
	}
}

func (h *InboundHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/:channel", h.Receive)
	e.GET("/webhooks/:channel", h.Handshake)
}

// Handshake echoes the hub.challenge verbatim for providers that verify
// endpoints with a GET handshake.
func (h *InboundHandler) Handshake(c echo.Context) error {
	if challenge := c.QueryParam("hub.challenge"); challenge != "" {
		return c.String(http.StatusOK, challenge)
	}
	return c.NoContent(http.StatusOK)
}

// Receive authenticates and forwards one provider callback. The provider
// gets its 202 once the event is forwarded or durably buffered.
func (h *InboundHandler) Receive(c echo.Context) error {
	channelType := domain.ChannelType(c.Param("channel"))
	if !channelType.Valid() {
		return c.JSON(http.StatusNotFound, server.ErrorBody{
			ErrorCode: "gateway.channel_type", Message: "unknown channel", CorrelationID: server.CorrelationID(c),
		})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, server.ErrorBody{
			ErrorCode: "gateway.read", Message: "unreadable body", CorrelationID: server.CorrelationID(c),
		})
	}

	normalize, err := NormalizerFor(channelType)
	if err != nil {
		return server.RespondError(c, err)
	}
	msg, err := normalize(body)
	if err != nil {
		return server.RespondError(c, err)
	}

	// Resolve the signing secrets. A channel row wins; the environment
	// secret covers channels not yet provisioned in the database.
	secrets, lookupErr := h.resolveSecrets(c, channelType, msg)
	if lookupErr != nil {
		return server.RespondError(c, lookupErr)
	}

	signature := c.Request().Header.Get(signatureHeaders[channelType])
	if !auth.VerifySignature(signature, body, secrets...) {
		h.audits.Record(c.Request().Context(), audit.Entry{
			TenantID:      msg.TenantID,
			Actor:         string(channelType),
			Action:        "auth.signature_mismatch",
			Detail:        map[string]any{"channel_id": msg.ChannelID, "event_id": msg.EventID},
			CorrelationID: server.CorrelationID(c),
		})
		return c.JSON(http.StatusUnauthorized, server.ErrorBody{
			ErrorCode: "auth.signature_mismatch", Message: "signature mismatch", CorrelationID: server.CorrelationID(c),
		})
	}

	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}

	if err := h.forwarder.Forward(c.Request().Context(), msg, server.CorrelationID(c)); err != nil {
		return server.RespondError(c, err)
	}

	metrics.InboundReceived.WithLabelValues(string(channelType)).Inc()
	return c.NoContent(http.StatusAccepted)
}

// resolveSecrets loads the channel's valid secrets, checking that the
// channel exists, is active, and matches the payload's routing claims.
func (h *InboundHandler) resolveSecrets(c echo.Context, channelType domain.ChannelType, msg domain.InboundMessage) ([]string, error) {
	if msg.ChannelID != "" {
		channel, err := h.tenants.GetChannel(c.Request().Context(), msg.ChannelID)
		if err == nil {
			if !channel.Active || channel.ChannelType != channelType || channel.TenantID != msg.TenantID {
				return nil, faults.NotFoundf("gateway.channel", "channel not available")
			}
			return channel.ValidSecrets(time.Now().UTC()), nil
		}
		if faults.KindOf(err) != faults.KindNotFound {
			return nil, err
		}
	}

	if secret, ok := h.defaultSecrets[string(channelType)]; ok && secret != "" {
		return []string{secret}, nil
	}
	return nil, faults.NotFoundf("gateway.channel", "unknown channel")
}
