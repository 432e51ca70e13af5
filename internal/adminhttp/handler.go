// Package adminhttp exposes the ingest operator surface over HTTP.
package adminhttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	ingest "github.com/UniQw/uniqw-ingest"
	"github.com/gin-gonic/gin"
)

// statusClientClosedRequest reports a request abandoned by the caller.
const statusClientClosedRequest = 499

type Handler struct {
	admin *ingest.Admin
}

func NewHandler(admin *ingest.Admin) *Handler {
	return &Handler{admin: admin}
}

type clearSlotsRequest struct {
	IDs []string `json:"ids"`
}

// NewRouter returns an engine with the admin routes mounted under /api/ingest.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	h.Register(r.Group("/api/ingest"))
	return r
}

func (h *Handler) Register(g gin.IRouter) {
	g.GET("/ping", h.Ping)
	g.GET("/status", h.Status)
	g.POST("/reset-stuck", h.ResetStuck)
	g.POST("/queue/clear", h.ClearQueue)
	g.POST("/slots/clear", h.ClearSlots)
	g.GET("/stats", h.Stats)
	g.POST("/pause", h.Pause)
	g.POST("/resume", h.Resume)
	g.GET("/audit", h.Audit)
}

// GET /api/ingest/ping
func (h *Handler) Ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

// GET /api/ingest/status
func (h *Handler) Status(c *gin.Context) {
	view, err := h.admin.GetStatus(c.Request.Context())
	if err != nil {
		respondAdminError(c, "status_failed", err)
		return
	}
	RespondOK(c, view)
}

// POST /api/ingest/reset-stuck
func (h *Handler) ResetStuck(c *gin.Context) {
	var req ingest.ResetRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := h.admin.ResetStuck(c.Request.Context(), req)
	if err != nil {
		respondAdminError(c, "reset_failed", err)
		return
	}
	RespondOK(c, res)
}

// POST /api/ingest/queue/clear
func (h *Handler) ClearQueue(c *gin.Context) {
	RespondOK(c, h.admin.ClearQueue())
}

// POST /api/ingest/slots/clear
func (h *Handler) ClearSlots(c *gin.Context) {
	var req clearSlotsRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	RespondOK(c, h.admin.ClearSlots(c.Request.Context(), req.IDs))
}

// GET /api/ingest/stats?phase=processing&threshold_minutes=10
func (h *Handler) Stats(c *gin.Context) {
	threshold, err := intQuery(c, "threshold_minutes")
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_threshold", err)
		return
	}
	res, err := h.admin.GetStats(c.Request.Context(), c.Query("phase"), threshold)
	if err != nil {
		respondAdminError(c, "stats_failed", err)
		return
	}
	RespondOK(c, res)
}

// POST /api/ingest/pause
func (h *Handler) Pause(c *gin.Context) {
	RespondOK(c, gin.H{"paused": h.admin.Pause()})
}

// POST /api/ingest/resume
func (h *Handler) Resume(c *gin.Context) {
	RespondOK(c, gin.H{"paused": h.admin.Resume()})
}

// GET /api/ingest/audit?limit=50
func (h *Handler) Audit(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_limit", err)
		return
	}
	events, err := h.admin.RecentAudit(c.Request.Context(), limit)
	if err != nil {
		respondAdminError(c, "audit_failed", err)
		return
	}
	if events == nil {
		events = []ingest.AuditEvent{}
	}
	RespondOK(c, gin.H{"events": events})
}

// respondAdminError maps core errors to status codes. Context errors are
// checked before ledger failures since the ledger wraps its cause.
func respondAdminError(c *gin.Context, fallback string, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidPhase):
		RespondError(c, http.StatusBadRequest, "invalid_phase", err)
	case errors.Is(err, context.Canceled):
		RespondError(c, statusClientClosedRequest, "request_canceled", err)
	case errors.Is(err, context.DeadlineExceeded):
		RespondError(c, http.StatusGatewayTimeout, "request_timeout", err)
	case errors.Is(err, ingest.ErrLedgerUnavailable):
		RespondError(c, http.StatusServiceUnavailable, "ledger_unavailable", err)
	default:
		RespondError(c, http.StatusInternalServerError, fallback, err)
	}
}

func bindOptionalJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
