package handlers

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/conversehq/converse/internal/audit"
	"github.com/conversehq/converse/internal/auth"
	"github.com/conversehq/converse/internal/knowledge"
	"github.com/conversehq/converse/internal/objectstore"
	"github.com/conversehq/converse/internal/retrieval"
	"github.com/conversehq/converse/internal/server"
	"github.com/conversehq/converse/internal/stream"
)

// AdminKnowledgeHandler exposes knowledge asset upload, ingestion job
// listing and retry, and the retrieval debug query.
type AdminKnowledgeHandler struct {
	store     *knowledge.Store
	objects   *objectstore.Store
	streams   *stream.Client
	retriever *retrieval.Retriever
	configs   *retrieval.ConfigStore
	audits    *audit.Service
	logger    *slog.Logger
}

// NewAdminKnowledgeHandler creates the handler.
func NewAdminKnowledgeHandler(log *slog.Logger, store *knowledge.Store, objects *objectstore.Store, streams *stream.Client, retriever *retrieval.Retriever, configs *retrieval.ConfigStore, audits *audit.Service) *AdminKnowledgeHandler {
	return &AdminKnowledgeHandler{
		store:     store,
		objects:   objects,
		streams:   streams,
		retriever: retriever,
		configs:   configs,
		audits:    audits,
		logger:    log.With(slog.String("handler", "admin_knowledge")),
	}
}

func (h *AdminKnowledgeHandler) Register(e *echo.Echo) {
	scope := auth.RequireScope(auth.ScopePlatformAdmin, auth.ScopeTenantOperator)
	e.POST("/admin/knowledge_assets/upload", h.Upload, scope)
	e.GET("/admin/ingestion_jobs", h.ListJobs, scope)
	e.POST("/admin/ingestion_jobs/:id/retry", h.RetryJob, scope)
	e.POST("/admin/retrieval/query", h.DebugQuery, scope)
}

type uploadRequest struct {
	TenantID   string   `json:"tenant_id"`
	BrandID    string   `json:"brand_id"`
	Filename   string   `json:"filename"`
	Content    string   `json:"content,omitempty"`
	ObjectKey  string   `json:"object_key,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
}

// Upload stores the object and enqueues ingestion. Re-uploading identical
// content returns the existing asset without creating duplicate vectors.
func (h *AdminKnowledgeHandler) Upload(c echo.Context) error {
	claims, err := auth.ClaimsFromContext(c)
	if err != nil {
		return err
	}

	var req uploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed upload request")
	}
	if req.TenantID == "" || req.BrandID == "" || req.Filename == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id, brand_id, and filename are required")
	}
	if !claims.AllowsTenant(req.TenantID) {
		return echo.NewHTTPError(http.StatusForbidden, "tenant not permitted")
	}
	if req.Content == "" && req.ObjectKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content or object_key is required")
	}
	if req.Visibility == "" {
		req.Visibility = "internal"
	}

	ctx := c.Request().Context()
	asset := knowledge.Asset{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		BrandID:    req.BrandID,
		Title:      req.Filename,
		Tags:       req.Tags,
		Visibility: req.Visibility,
	}

	if req.Content != "" {
		content, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "content must be base64")
		}
		asset.ContentSHA256 = objectstore.ContentSHA256(content)

		if existing, found, err := h.store.FindAssetByContent(ctx, req.TenantID, req.BrandID, asset.ContentSHA256); err != nil {
			return server.RespondError(c, err)
		} else if found {
			return c.JSON(http.StatusOK, existing)
		}

		asset.ObjectKey = objectstore.ObjectKey(req.TenantID, req.BrandID, asset.ID, req.Filename, content)
		if err := h.objects.Put(ctx, asset.ObjectKey, content, contentTypeFor(req.Filename)); err != nil {
			return server.RespondError(c, err)
		}
	} else {
		if !objectstore.TenantOwnsKey(req.TenantID, req.ObjectKey) {
			return echo.NewHTTPError(http.StatusForbidden, "object_key outside tenant namespace")
		}
		asset.ObjectKey = req.ObjectKey
	}

	created, job, err := h.store.CreateAsset(ctx, asset)
	if err != nil {
		return server.RespondError(c, err)
	}

	if _, err := h.streams.Publish(ctx, stream.Ingest, created.ID, knowledge.QueueMessage{
		JobID:    job.ID,
		AssetID:  created.ID,
		TenantID: created.TenantID,
		BrandID:  created.BrandID,
	}); err != nil {
		return server.RespondError(c, err)
	}

	h.audits.Record(ctx, audit.Entry{
		TenantID:      req.TenantID,
		Actor:         claims.Subject,
		Action:        "knowledge.uploaded",
		Detail:        map[string]any{"asset_id": created.ID, "filename": req.Filename},
		CorrelationID: server.CorrelationID(c),
	})
	return c.JSON(http.StatusCreated, created)
}

func (h *AdminKnowledgeHandler) ListJobs(c echo.Context) error {
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

// RetryJob re-queues a failed job, resetting attempts, and republishes the
// queue message.
func (h *AdminKnowledgeHandler) RetryJob(c echo.Context) error {
	claims, err := auth.ClaimsFromContext(c)
	if err != nil {
		return err
	}
	tenantID := c.QueryParam("tenant_id")
	if tenantID == "" || !claims.AllowsTenant(tenantID) {
		return echo.NewHTTPError(http.StatusForbidden, "tenant not permitted")
	}

	ctx := c.Request().Context()
	job, err := h.store.RequeueJob(ctx, tenantID, c.Param("id"))
	if err != nil {
		return server.RespondError(c, err)
	}
	asset, err := h.store.GetAsset(ctx, tenantID, job.AssetID)
	if err != nil {
		return server.RespondError(c, err)
	}

	if _, err := h.streams.Publish(ctx, stream.Ingest, asset.ID, knowledge.QueueMessage{
		JobID:    job.ID,
		AssetID:  asset.ID,
		TenantID: asset.TenantID,
		BrandID:  asset.BrandID,
	}); err != nil {
		return server.RespondError(c, err)
	}

	h.audits.Record(ctx, audit.Entry{
		TenantID:      tenantID,
		Actor:         claims.Subject,
		Action:        "ingestion.retried",
		Detail:        map[string]any{"job_id": job.ID},
		CorrelationID: server.CorrelationID(c),
	})
	return c.JSON(http.StatusOK, job)
}

type debugQueryRequest struct {
	TenantID string `json:"tenant_id"`
	BrandID  string `json:"brand_id"`
	Query    string `json:"query"`
}

// DebugQuery runs retrieval for an operator-supplied query and returns the
// scored documents.
func (h *AdminKnowledgeHandler) DebugQuery(c echo.Context) error {
	claims, err := auth.ClaimsFromContext(c)
	if err != nil {
		return err
	}

	var req debugQueryRequest
	if err := c.Bind(&req); err != nil || req.TenantID == "" || req.BrandID == "" || req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id, brand_id, and query are required")
	}
	if !claims.AllowsTenant(req.TenantID) {
		return echo.NewHTTPError(http.StatusForbidden, "tenant not permitted")
	}

	ctx := c.Request().Context()
	cfg, err := h.configs.Get(ctx, req.TenantID)
	if err != nil {
		return server.RespondError(c, err)
	}
	result, err := h.retriever.Retrieve(ctx, req.TenantID, req.BrandID, req.Query, cfg)
	if err != nil {
		return server.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"documents": result.Documents,
		"degraded":  result.Degraded,
		"provider":  result.Provider,
	})
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".html", ".htm":
		return "text/html"
	case ".pdf":
		return "application/pdf"
	default:
		return "text/plain"
	}
}
