package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation runs to operators.
type Handler struct {
	runner *Runner
}

func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up the operator routes. The group is expected to
// be behind the admin guard.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.Run)
	r.GET("/admin/reconcile/last", h.LastRun)
	r.GET("/admin/audit/verify", h.VerifyAudit)
}

// Run handles POST /v1/admin/reconcile
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
			"report":  report,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// LastRun handles GET /v1/admin/reconcile/last
func (h *Handler) LastRun(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// VerifyAudit handles GET /v1/admin/audit/verify
func (h *Handler) VerifyAudit(c *gin.Context) {
	res, err := h.runner.VerifyAudit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_verify_failed", "message": err.Error()})
		return
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"audit": res})
}
