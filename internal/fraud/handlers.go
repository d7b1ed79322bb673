package fraud

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/workwise/escrowd/internal/audit"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/validation"
)

// Handler provides the operator endpoints of the fraud engine.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterAdminRoutes sets up the fraud routes under an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/fraud/rules", h.ListRules)
	r.POST("/fraud/rules", h.CreateRule)
	r.GET("/fraud/rules/:id", h.GetRule)
	r.PUT("/fraud/rules/:id", h.UpdateRule)
	r.GET("/fraud/alerts", h.ListAlerts)
	r.POST("/fraud/alerts/:id/false-positive", h.MarkFalsePositive)
	r.GET("/fraud/cases", h.ListCases)
	r.GET("/fraud/cases/:id", h.GetCase)
	r.POST("/fraud/cases/:id/resolve", h.ResolveCase)
	r.GET("/fraud/watchlist", h.ListWatchlist)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidRule), errors.Is(err, ErrInvalidResolution):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrCaseResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "case_resolved", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("fraud request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

type ruleRequest struct {
	Name              string      `json:"name" binding:"required"`
	Description       string      `json:"description"`
	RuleType          RuleType    `json:"ruleType" binding:"required,oneof=threshold pattern behavioral velocity"`
	Conditions        []Condition `json:"conditions" binding:"required,min=1"`
	TimeWindowMinutes int         `json:"timeWindowMinutes" binding:"gte=0"`
	Priority          int         `json:"priority"`
	RiskScore         float64     `json:"riskScore" binding:"gte=0,lte=1"`
	Severity          Severity    `json:"severity" binding:"required,oneof=low medium high critical"`
	Composition       Composition `json:"composition" binding:"omitempty,oneof=max additive"`
	Enabled           *bool       `json:"enabled"`
}

func (r ruleRequest) rule() *Rule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &Rule{
		Name:              validation.SanitizeString(r.Name, 200),
		Description:       validation.SanitizeString(r.Description, 2000),
		Type:              r.RuleType,
		Conditions:        r.Conditions,
		TimeWindowMinutes: r.TimeWindowMinutes,
		Priority:          r.Priority,
		RiskScore:         r.RiskScore,
		Severity:          r.Severity,
		Composition:       r.Composition,
		Enabled:           enabled,
	}
}

// ListRules handles GET /v1/admin/fraud/rules
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.engine.ListRules(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// CreateRule handles POST /v1/admin/fraud/rules
func (h *Handler) CreateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	rule, err := h.engine.CreateRule(c.Request.Context(), req.rule())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

func (h *Handler) GetRule(c *gin.Context) {
	rule, err := h.engine.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// UpdateRule handles PUT /v1/admin/fraud/rules/:id
func (h *Handler) UpdateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	rule, err := h.engine.UpdateRule(c.Request.Context(), c.Param("id"), req.rule())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// ListAlerts handles GET /v1/admin/fraud/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	alerts, err := h.engine.ListAlerts(c.Request.Context(), AlertFilter{
		UserID:    c.Query("userId"),
		AccountID: c.Query("accountId"),
		Status:    AlertStatus(c.Query("status")),
		Limit:     queryLimit(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// MarkFalsePositive handles POST /v1/admin/fraud/alerts/:id/false-positive
func (h *Handler) MarkFalsePositive(c *gin.Context) {
	alert, err := h.engine.MarkFalsePositive(c.Request.Context(), c.Param("id"), operator(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

// ListCases handles GET /v1/admin/fraud/cases
func (h *Handler) ListCases(c *gin.Context) {
	cases, err := h.engine.ListCases(c.Request.Context(), CaseFilter{
		UserID: c.Query("userId"),
		Status: CaseStatus(c.Query("status")),
		Limit:  queryLimit(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases, "count": len(cases)})
}

func (h *Handler) GetCase(c *gin.Context) {
	fc, err := h.engine.GetCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": fc})
}

type resolveCaseRequest struct {
	Resolution CaseStatus `json:"resolution" binding:"required,oneof=confirmed false_positive resolved"`
	Notes      string     `json:"notes"`
}

// ResolveCase handles POST /v1/admin/fraud/cases/:id/resolve
func (h *Handler) ResolveCase(c *gin.Context) {
	var req resolveCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	fc, err := h.engine.ResolveCase(c.Request.Context(), c.Param("id"), req.Resolution,
		validation.SanitizeString(req.Notes, 4000), operator(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": fc})
}

// ListWatchlist handles GET /v1/admin/fraud/watchlist
func (h *Handler) ListWatchlist(c *gin.Context) {
	entries, err := h.engine.ListWatchlist(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"watchlist": entries, "count": len(entries)})
}

func operator(c *gin.Context) string {
	if _, id := audit.ActorFrom(c.Request.Context()); id != "" {
		return id
	}
	return audit.ActorAdmin
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
