package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/conversehq/converse/internal/audit"
	"github.com/conversehq/converse/internal/auth"
	"github.com/conversehq/converse/internal/server"
	"github.com/conversehq/converse/internal/tenant"
)

// AdminChannelsHandler exposes channel secret rotation. Rotation keeps the
// outgoing secret valid through a grace window: add new, wait, remove old.
type AdminChannelsHandler struct {
	tenants *tenant.Service
	audits  *audit.Service
	logger  *slog.Logger
}

// NewAdminChannelsHandler creates the handler.
func NewAdminChannelsHandler(log *slog.Logger, tenants *tenant.Service, audits *audit.Service) *AdminChannelsHandler {
	return &AdminChannelsHandler{
		tenants: tenants,
		audits:  audits,
		logger:  log.With(slog.String("handler", "admin_channels")),
	}
}

func (h *AdminChannelsHandler) Register(e *echo.Echo) {
	scope := auth.RequireScope(auth.ScopePlatformAdmin, auth.ScopeTenantOperator)
	e.POST("/admin/channels/:id/rotate_secret", h.RotateSecret, scope)
}

type rotateSecretRequest struct {
	Secret string `json:"secret"`
}

func (h *AdminChannelsHandler) RotateSecret(c echo.Context) error {
	claims, err := auth.ClaimsFromContext(c)
	if err != nil {
		return err
	}

	channelID := c.Param("id")
	channel, err := h.tenants.GetChannel(c.Request().Context(), channelID)
	if err != nil {
		return server.RespondError(c, err)
	}
	if !claims.AllowsTenant(channel.TenantID) {
		return echo.NewHTTPError(http.StatusForbidden, "tenant not permitted")
	}

	var req rotateSecretRequest
	if err := c.Bind(&req); err != nil || req.Secret == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "secret is required")
	}

	if err := h.tenants.RotateSecret(c.Request().Context(), channelID, req.Secret); err != nil {
		return server.RespondError(c, err)
	}

	h.audits.Record(c.Request().Context(), audit.Entry{
		TenantID:      channel.TenantID,
		Actor:         claims.Subject,
		Action:        "channel.secret_rotated",
		Detail:        map[string]any{"channel_id": channelID},
		CorrelationID: server.CorrelationID(c),
	})
	return c.NoContent(http.StatusNoContent)
}
