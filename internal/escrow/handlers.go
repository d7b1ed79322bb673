package escrow

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/workwise/escrowd/internal/ledger"
	"github.com/workwise/escrowd/internal/logging"
	"github.com/workwise/escrowd/internal/rail"
	"github.com/workwise/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithWebhookSecret sets the secret used to verify rail webhooks.
func (h *Handler) WithWebhookSecret(secret string) *Handler {
	h.webhookSecret = secret
	return h
}

// RegisterRoutes sets up the escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/accounts", h.Fund)
	r.GET("/escrow/accounts", h.ListAccounts)
	r.GET("/escrow/accounts/:id", h.GetAccount)
	r.GET("/escrow/accounts/:id/transactions", h.ListTransactions)
	r.POST("/escrow/accounts/:id/cancel", h.CancelAccount)
	r.POST("/escrow/milestones/:id/start", h.StartMilestone)
	r.POST("/escrow/milestones/:id/submit", h.SubmitMilestone)
	r.POST("/escrow/milestones/:id/approve", h.ApproveMilestone)
	r.POST("/escrow/milestones/:id/release", h.ReleaseMilestone)
	r.POST("/escrow/transactions/:id/cancel", h.CancelTransaction)
}

// RegisterAdminRoutes sets up operator-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/accounts/:id/reconcile", h.Reconcile)
	r.POST("/escrow/accounts/:id/freeze", h.Freeze)
	r.POST("/escrow/accounts/:id/unfreeze", h.Unfreeze)
	r.POST("/escrow/transactions/:id/retry", h.RetryTransaction)
}

// RegisterWebhookRoutes sets up the unauthenticated rail webhook.
func (h *Handler) RegisterWebhookRoutes(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// RespondError writes the JSON error body for err.
func RespondError(c *gin.Context, err error) {
	status := HTTPStatus(err)
	code := ErrorCode(err)
	message := err.Error()

	var invariant *InvariantViolation
	if status == http.StatusInternalServerError && !errors.As(err, &invariant) {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		message = "internal error"
	}

	body := gin.H{"error": code, "message": message}
	var ve *ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	c.JSON(status, body)
}

// Fund handles POST /v1/escrow/accounts
func (h *Handler) Fund(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	if errs := validation.Validate(
		validation.ValidID("projectId", req.ProjectID),
		validation.ValidID("clientId", req.ClientID),
		validation.ValidID("freelancerId", req.FreelancerID),
		validation.ValidAmount("totalAmount", req.TotalAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	acct, err := h.service.Fund(c.Request.Context(), req)
	if err != nil {
		var railErr *ExternalRailError
		if acct != nil && errors.As(err, &railErr) {
			// The account exists; the deposit failed on the rail.
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   railErr.Code(),
				"message": railErr.Error(),
				"account": acct,
			})
			return
		}
		RespondError(c, err)
		return
	}

	status := http.StatusCreated
	if acct.Status == AccountPending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"account": acct})
}

// GetAccount handles GET /v1/escrow/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// ListAccounts handles GET /v1/escrow/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	filter := ListFilter{
		ClientID:     c.Query("clientId"),
		FreelancerID: c.Query("freelancerId"),
		Status:       AccountStatus(c.Query("status")),
		Limit:        DefaultListLimit,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	accounts, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		RespondError(c, err)
		return
	}
	if accounts == nil {
		accounts = []*Account{}
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// ListTransactions handles GET /v1/escrow/accounts/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.service.ListTransactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
		"balance":      ledger.Fold(txs),
	})
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// CancelAccount handles POST /v1/escrow/accounts/:id/cancel
func (h *Handler) CancelAccount(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			validation.RespondBindError(c, err)
			return
		}
	}
	acct, err := h.service.CancelAccount(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// StartMilestone handles POST /v1/escrow/milestones/:id/start
func (h *Handler) StartMilestone(c *gin.Context) {
	ms, err := h.service.StartMilestone(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": ms})
}

type submitRequest struct {
	Deliverables []string `json:"deliverables" binding:"required,min=1"`
}

// SubmitMilestone handles POST /v1/escrow/milestones/:id/submit
func (h *Handler) SubmitMilestone(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	ms, err := h.service.SubmitMilestone(c.Request.Context(), c.Param("id"), req.Deliverables)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": ms})
}

// ApproveMilestone handles POST /v1/escrow/milestones/:id/approve
func (h *Handler) ApproveMilestone(c *gin.Context) {
	ms, err := h.service.ApproveMilestone(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone": ms})
}

// ReleaseMilestone handles POST /v1/escrow/milestones/:id/release
func (h *Handler) ReleaseMilestone(c *gin.Context) {
	var req ReleaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			validation.RespondBindError(c, err)
			return
		}
	}
	req.MilestoneID = c.Param("id")

	tx, err := h.service.ReleaseMilestone(c.Request.Context(), req)
	switch {
	case errors.Is(err, ErrAlreadyReleased) && tx != nil:
		c.JSON(http.StatusOK, gin.H{"transaction": tx, "alreadyReleased": true})
		return
	case err != nil:
		body := gin.H{"error": ErrorCode(err), "message": err.Error()}
		if tx != nil {
			body["transaction"] = tx
		}
		if HTTPStatus(err) == http.StatusInternalServerError {
			RespondError(c, err)
			return
		}
		c.JSON(HTTPStatus(err), body)
		return
	}

	status := http.StatusOK
	if tx.Status.Open() {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"transaction": tx})
}

// CancelTransaction handles POST /v1/escrow/transactions/:id/cancel
func (h *Handler) CancelTransaction(c *gin.Context) {
	tx, err := h.service.CancelTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Reconcile handles POST /v1/admin/escrow/accounts/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	result, err := h.service.Reconcile(c.Request.Context(), c.Param("id"))
	var violation *InvariantViolation
	if errors.As(err, &violation) {
		c.JSON(http.StatusConflict, gin.H{
			"error":          violation.Code(),
			"message":        violation.Error(),
			"reconciliation": result,
		})
		return
	}
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": result})
}

type freezeRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

// Freeze handles POST /v1/admin/escrow/accounts/:id/freeze
func (h *Handler) Freeze(c *gin.Context) {
	var req freezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	acct, err := h.service.Freeze(c.Request.Context(), c.Param("id"), req.Reason, "manual")
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// Unfreeze handles POST /v1/admin/escrow/accounts/:id/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	acct, err := h.service.Unfreeze(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

type retryRequest struct {
	Destination string `json:"destination" binding:"max=255"`
}

// RetryTransaction handles POST /v1/admin/escrow/transactions/:id/retry
func (h *Handler) RetryTransaction(c *gin.Context) {
	var req retryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			validation.RespondBindError(c, err)
			return
		}
	}
	tx, err := h.service.RetryTransaction(c.Request.Context(), c.Param("id"), req.Destination)
	var railErr *ExternalRailError
	if err != nil && tx != nil && errors.As(err, &railErr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":       railErr.Code(),
			"message":     railErr.Error(),
			"transaction": tx,
		})
		return
	}
	if err != nil {
		RespondError(c, err)
		return
	}
	status := http.StatusOK
	if tx.Status.Open() {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"transaction": tx})
}

// StripeWebhook handles POST /webhooks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, validation.MaxRequestSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	conf, err := rail.ParseWebhook(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if errors.Is(err, rail.ErrIgnoredEvent) {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": err.Error()})
		return
	}

	tx, err := h.service.ConfirmRail(c.Request.Context(), *conf)
	if errors.Is(err, ErrNotFound) {
		// Not one of ours (or not yet recorded); acknowledge so the rail stops retrying.
		logging.L(c.Request.Context()).Warn("webhook for unknown rail reference",
			"event_id", conf.EventID, "reference", conf.Reference)
		c.JSON(http.StatusOK, gin.H{"received": true, "matched": false})
		return
	}
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "matched": true, "transaction": tx})
}
