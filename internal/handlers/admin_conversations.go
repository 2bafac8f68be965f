package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/conversehq/converse/internal/auth"
	"github.com/conversehq/converse/internal/conversation"
	"github.com/conversehq/converse/internal/server"
)

// AdminConversationsHandler lets operators inspect transcripts.
type AdminConversationsHandler struct {
	conversations *conversation.Service
	logger        *slog.Logger
}

// NewAdminConversationsHandler creates the handler.
func NewAdminConversationsHandler(log *slog.Logger, conversations *conversation.Service) *AdminConversationsHandler {
	return &AdminConversationsHandler{
		conversations: conversations,
		logger:        log.With(slog.String("handler", "admin_conversations")),
	}
}

func (h *AdminConversationsHandler) Register(e *echo.Echo) {
	scope := auth.RequireScope(auth.ScopePlatformAdmin, auth.ScopeTenantOperator)
	e.GET("/admin/conversations", h.List, scope)
	e.GET("/admin/conversations/:id/messages", h.Messages, scope)
}

func (h *AdminConversationsHandler) List(c echo.Context) error {
	claims, err := auth.ClaimsFromContext(c)
	if err != nil {
		return err
	}
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}
	if !claims.AllowsTenant(tenantID) {
		return echo.NewHTTPError(http.StatusForbidden, "tenant not permitted")
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	conversations, err := h.conversations.List(c.Request().Context(), tenantID, limit, offset)
	if err != nil {
		return server.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": conversations, "limit": limit, "offset": offset})
}

func (h *AdminConversationsHandler) Messages(c echo.Context) error {
	claims, err := auth.ClaimsFromContext(c)
	if err != nil {
		return err
	}
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" || !claims.AllowsTenant(tenantID) {
		return echo.NewHTTPError(http.StatusForbidden, "tenant not permitted")
	}

	ctx := c.Request().Context()
	conv, err := h.conversations.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return server.RespondError(c, err)
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 100
	}
	logs, err := h.conversations.History(ctx, conv.ID, limit)
	if err != nil {
		return server.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"conversation": conv, "messages": logs})
}
