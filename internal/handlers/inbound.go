package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/conversehq/converse/internal/domain"
	"github.com/conversehq/converse/internal/orchestrator"
	"github.com/conversehq/converse/internal/server"
)

// InboundHandler exposes the canonical inbound message endpoint consumed by
// the channel gateway.
type InboundHandler struct {
	pipeline *orchestrator.Pipeline
	logger   *slog.Logger
}

// NewInboundHandler creates the handler.
func NewInboundHandler(log *slog.Logger, pipeline *orchestrator.Pipeline) *InboundHandler {
	return &InboundHandler{
		pipeline: pipeline,
		logger:   log.With(slog.String("handler", "inbound")),
	}
}

func (h *InboundHandler) Register(e *echo.Echo) {
	e.POST("/v1/messages/inbound", h.Process)
}

// Process runs the pipeline for one canonical InboundMessage. Replayed
// event ids return the original ack with the same 202.
func (h *InboundHandler) Process(c echo.Context) error {
	var msg domain.InboundMessage
	if err := c.Bind(&msg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed inbound message")
	}

	ack, err := h.pipeline.ProcessInbound(c.Request().Context(), msg, server.CorrelationID(c))
	if err != nil {
		return server.RespondError(c, err)
	}
	return c.JSON(http.StatusAccepted, ack)
}
