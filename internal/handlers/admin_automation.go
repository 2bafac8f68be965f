package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/conversehq/converse/internal/audit"
	"github.com/conversehq/converse/internal/auth"
	"github.com/conversehq/converse/internal/automation"
	"github.com/conversehq/converse/internal/automation/connectors"
	"github.com/conversehq/converse/internal/server"
)

// AdminAutomationHandler exposes automation rule administration and the
// connector dry-run endpoint.
type AdminAutomationHandler struct {
	store    *automation.Store
	registry *connectors.Registry
	audits   *audit.Service
	logger   *slog.Logger
}

// NewAdminAutomationHandler creates the handler.
func NewAdminAutomationHandler(log *slog.Logger, store *automation.Store, registry *connectors.Registry, audits *audit.Service) *AdminAutomationHandler {
	return &AdminAutomationHandler{
		store:    store,
		registry: registry,
		audits:   audits,
		logger:   log.With(slog.String("handler", "admin_automation")),
	}
}

func (h *AdminAutomationHandler) Register(e *echo.Echo) {
	scope := auth.RequireScope(auth.ScopePlatformAdmin, auth.ScopeTenantOperator)
	e.POST("/admin/automation/rules", h.CreateRule, scope)
	e.POST("/admin/automation/test", h.TestRule, scope)
	e.POST("/admin/automation/rules/:id/pause", h.PauseRule, scope)
	e.POST("/admin/automation/rules/:id/resume", h.ResumeRule, scope)
	e.GET("/admin/automation/jobs", h.ListJobs, scope)
}

func (h *AdminAutomationHandler) CreateRule(c echo.Context) error {
	claims, err := auth.ClaimsFromContext(c)
	if err != nil {
		return err
	}

	var rule automation.Rule
	if err := c.Bind(&rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed rule")
	}
	if rule.TenantID == "" || rule.BrandID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id and brand_id are required")
	}
	if !claims.AllowsTenant(rule.TenantID) {
		return echo.NewHTTPError(http.StatusForbidden, "tenant not permitted")
	}

	created, err := h.store.CreateRule(c.Request().Context(), rule)
	if err != nil {
		return server.RespondError(c, err)
	}

	h.audits.Record(c.Request().Context(), audit.Entry{
		TenantID:      rule.TenantID,
		Actor:         claims.Subject,
		Action:        "automation.rule_created",
		Detail:        map[string]any{"rule_id": created.ID, "action_type": created.ActionType},
		CorrelationID: server.CorrelationID(c),
	})
	return c.JSON(http.StatusCreated, created)
}

type testRuleRequest struct {
	TenantID string            `json:"tenant_id"`
	RuleID   string            `json:"rule_id"`
	Vars     map[string]string `json:"vars,omitempty"`
}

// TestRule dry-runs a rule's connector without side effects.
func (h *AdminAutomationHandler) TestRule(c echo.Context) error {
	claims, err := auth.ClaimsFromContext(c)
	if err != nil {
		return err
	}

	var req testRuleRequest
	if err := c.Bind(&req); err != nil || req.TenantID == "" || req.RuleID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id and rule_id are required")
	}
	if !claims.AllowsTenant(req.TenantID) {
		return echo.NewHTTPError(http.StatusForbidden, "tenant not permitted")
	}

	ctx := c.Request().Context()
	rule, err := h.store.GetRule(ctx, req.TenantID, req.RuleID)
	if err != nil {
		return server.RespondError(c, err)
	}
	connector, err := h.registry.Get(string(rule.ActionType))
	if err != nil {
		return server.RespondError(c, err)
	}

	resp, err := connector.Invoke(ctx, connectors.Request{
		TenantID: rule.TenantID,
		BrandID:  rule.BrandID,
		RuleID:   rule.ID,
		Payload:  rule.ActionPayload,
		Vars:     req.Vars,
		DryRun:   true,
	})
	if err != nil {
		return server.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *AdminAutomationHandler) PauseRule(c echo.Context) error {
	return h.toggleRule(c, false, "automation.rule_paused")
}

func (h *AdminAutomationHandler) ResumeRule(c echo.Context) error {
	return h.toggleRule(c, true, "automation.rule_resumed")
}

func (h *AdminAutomationHandler) toggleRule(c echo.Context, active bool, action string) error {
	claims, err := auth.ClaimsFromContext(c)
	if err != nil {
		return err
	}
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" || !claims.AllowsTenant(tenantID) {
		return echo.NewHTTPError(http.StatusForbidden, "tenant not permitted")
	}

	ruleID := c.Param("id")
	if err := h.store.SetRuleActive(c.Request().Context(), tenantID, ruleID, active); err != nil {
		return server.RespondError(c, err)
	}

	h.audits.Record(c.Request().Context(), audit.Entry{
		TenantID:      tenantID,
		Actor:         claims.Subject,
		Action:        action,
		Detail:        map[string]any{"rule_id": ruleID},
		CorrelationID: server.CorrelationID(c),
	})
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminAutomationHandler) ListJobs(c echo.Context) error {
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
	jobs, err := h.store.ListJobs(c.Request().Context(), tenantID, limit, offset)
	if err != nil {
		return server.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": jobs, "limit": limit, "offset": offset})
}
