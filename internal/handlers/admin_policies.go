package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/conversehq/converse/internal/audit"
	"github.com/conversehq/converse/internal/auth"
	"github.com/conversehq/converse/internal/policy"
	"github.com/conversehq/converse/internal/retrieval"
	"github.com/conversehq/converse/internal/server"
)

// AdminPoliciesHandler exposes policy version and retrieval config admin
// operations.
type AdminPoliciesHandler struct {
	policies *policy.Service
	configs  *retrieval.ConfigStore
	audits   *audit.Service
	logger   *slog.Logger
}

// NewAdminPoliciesHandler creates the handler.
func NewAdminPoliciesHandler(log *slog.Logger, policies *policy.Service, configs *retrieval.ConfigStore, audits *audit.Service) *AdminPoliciesHandler {
	return &AdminPoliciesHandler{
		policies: policies,
		configs:  configs,
		audits:   audits,
		logger:   log.With(slog.String("handler", "admin_policies")),
	}
}

func (h *AdminPoliciesHandler) Register(e *echo.Echo) {
	scope := auth.RequireScope(auth.ScopePlatformAdmin, auth.ScopeTenantOperator)
	e.POST("/admin/policies/:tenant_id/draft", h.CreateDraft, scope)
	e.POST("/admin/policies/:tenant_id/publish", h.Publish, scope)
	e.GET("/admin/policies/:tenant_id/diff/:version", h.Diff, scope)
	e.GET("/admin/retrieval_config/:tenant_id", h.GetRetrievalConfig, scope)
	e.PUT("/admin/retrieval_config/:tenant_id", h.UpdateRetrievalConfig, scope)
}

func (h *AdminPoliciesHandler) tenantScoped(c echo.Context) (string, auth.Claims, error) {
	tenantID := c.Param("tenant_id")
	claims, err := auth.ClaimsFromContext(c)
	if err != nil {
		return "", auth.Claims{}, err
	}
	if !claims.AllowsTenant(tenantID) {
		return "", auth.Claims{}, echo.NewHTTPError(http.StatusForbidden, "tenant not permitted")
	}
	return tenantID, claims, nil
}

func (h *AdminPoliciesHandler) CreateDraft(c echo.Context) error {
	tenantID, claims, err := h.tenantScoped(c)
	if err != nil {
		return err
	}

	var doc policy.Document
	if err := c.Bind(&doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed policy document")
	}

	version, err := h.policies.CreateDraft(c.Request().Context(), tenantID, doc)
	if err != nil {
		return server.RespondError(c, err)
	}

	h.audits.Record(c.Request().Context(), audit.Entry{
		TenantID:      tenantID,
		Actor:         claims.Subject,
		Action:        "policy.draft_created",
		Detail:        map[string]any{"version": version.Version},
		CorrelationID: server.CorrelationID(c),
	})
	return c.JSON(http.StatusCreated, version)
}

type publishRequest struct {
	Version int `json:"version"`
}

func (h *AdminPoliciesHandler) Publish(c echo.Context) error {
	tenantID, claims, err := h.tenantScoped(c)
	if err != nil {
		return err
	}

	var req publishRequest
	if err := c.Bind(&req); err != nil || req.Version <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "version is required")
	}

	version, err := h.policies.Publish(c.Request().Context(), tenantID, req.Version)
	if err != nil {
		return server.RespondError(c, err)
	}

	h.audits.Record(c.Request().Context(), audit.Entry{
		TenantID:      tenantID,
		Actor:         claims.Subject,
		Action:        "policy.published",
		Detail:        map[string]any{"version": version.Version},
		CorrelationID: server.CorrelationID(c),
	})
	return c.JSON(http.StatusOK, version)
}

func (h *AdminPoliciesHandler) Diff(c echo.Context) error {
	tenantID, _, err := h.tenantScoped(c)
	if err != nil {
		return err
	}
	versionNumber, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "version must be an integer")
	}

	diff, err := h.policies.Diff(c.Request().Context(), tenantID, versionNumber)
	if err != nil {
		return server.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tenant_id": tenantID, "version": versionNumber, "changes": diff})
}

func (h *AdminPoliciesHandler) GetRetrievalConfig(c echo.Context) error {
	tenantID, _, err := h.tenantScoped(c)
	if err != nil {
		return err
	}
	cfg, err := h.configs.Get(c.Request().Context(), tenantID)
	if err != nil {
		return server.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *AdminPoliciesHandler) UpdateRetrievalConfig(c echo.Context) error {
	tenantID, claims, err := h.tenantScoped(c)
	if err != nil {
		return err
	}

	var cfg retrieval.Config
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed retrieval config")
	}
	cfg.TenantID = tenantID

	if err := h.configs.Update(c.Request().Context(), cfg, claims.Subject, server.CorrelationID(c)); err != nil {
		return server.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, cfg)
}
