package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/workwise/escrowd/internal/escrow"
	"github.com/workwise/escrowd/internal/money"
	"github.com/workwise/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for disputes and insurance claims.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the dispute and claim routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/transition", h.TransitionDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/disputes/:id/retry", h.RetryResolution)

	r.POST("/insurance/claims", h.FileClaim)
	r.GET("/insurance/claims", h.ListClaims)
	r.GET("/insurance/claims/:id", h.GetClaim)
	r.POST("/insurance/claims/:id/transition", h.TransitionClaim)
	r.POST("/insurance/claims/:id/retry", h.RetryPayout)
}

type openDisputeRequest struct {
	AccountID   string `json:"accountId" binding:"required,max=128"`
	MilestoneID string `json:"milestoneId" binding:"max=128"`
	RaisedBy    string `json:"raisedBy" binding:"required,max=128"`
	Reason      string `json:"reason" binding:"required,max=2000"`
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	d, err := h.service.OpenDispute(c.Request.Context(), OpenRequest(req))
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	filter := ListFilter{
		AccountID: c.Query("accountId"),
		Status:    Status(c.Query("status")),
		Limit:     escrow.DefaultListLimit,
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	disputes, err := h.service.ListDisputes(c.Request.Context(), filter)
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

type transitionRequest struct {
	Status string `json:"status" binding:"required"`
	Notes  string `json:"notes" binding:"max=2000"`
}

// TransitionDispute handles POST /v1/disputes/:id/transition
func (h *Handler) TransitionDispute(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	d, err := h.service.Transition(c.Request.Context(), c.Param("id"), Status(req.Status))
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required,oneof=client_favor freelancer_favor partial_refund full_refund no_action"`
	Amount     string `json:"amount"`
	Notes      string `json:"notes" binding:"max=2000"`
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	amount := decimal.Zero
	if req.Amount != "" {
		parsed, err := money.Parse(req.Amount)
		if err != nil {
			escrow.RespondError(c, &escrow.ValidationError{Field: "amount", Message: err.Error()})
			return
		}
		amount = parsed
	}

	d, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), ResolveRequest{
		Resolution: escrow.Resolution(req.Resolution),
		Amount:     amount,
		Notes:      req.Notes,
	})
	var railErr *escrow.ExternalRailError
	if err != nil && d != nil && errors.As(err, &railErr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   railErr.Code(),
			"message": railErr.Error(),
			"dispute": d,
		})
		return
	}
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// RetryResolution handles POST /v1/disputes/:id/retry
func (h *Handler) RetryResolution(c *gin.Context) {
	d, err := h.service.RetryResolution(c.Request.Context(), c.Param("id"))
	var railErr *escrow.ExternalRailError
	if err != nil && d != nil && errors.As(err, &railErr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   railErr.Code(),
			"message": railErr.Error(),
			"dispute": d,
		})
		return
	}
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type fileClaimRequest struct {
	AccountID  string `json:"accountId" binding:"required,max=128"`
	DisputeID  string `json:"disputeId" binding:"max=128"`
	ClaimantID string `json:"claimantId" binding:"required,max=128"`
	Amount     string `json:"amount" binding:"required"`
	Reason     string `json:"reason" binding:"required,max=2000"`
}

// FileClaim handles POST /v1/insurance/claims
func (h *Handler) FileClaim(c *gin.Context) {
	var req fileClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	if errs := validation.Validate(validation.ValidAmount("amount", req.Amount)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		escrow.RespondError(c, &escrow.ValidationError{Field: "amount", Message: err.Error()})
		return
	}

	claim, err := h.service.FileInsuranceClaim(c.Request.Context(), ClaimRequest{
		AccountID:  req.AccountID,
		DisputeID:  req.DisputeID,
		ClaimantID: req.ClaimantID,
		Amount:     amount,
		Reason:     req.Reason,
	})
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"claim": claim})
}

// GetClaim handles GET /v1/insurance/claims/:id
func (h *Handler) GetClaim(c *gin.Context) {
	claim, err := h.service.GetClaim(c.Request.Context(), c.Param("id"))
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim": claim})
}

// ListClaims handles GET /v1/insurance/claims
func (h *Handler) ListClaims(c *gin.Context) {
	claims, err := h.service.ListClaims(c.Request.Context(), c.Query("accountId"))
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	if claims == nil {
		claims = []*Claim{}
	}
	c.JSON(http.StatusOK, gin.H{"claims": claims, "count": len(claims)})
}

// TransitionClaim handles POST /v1/insurance/claims/:id/transition
func (h *Handler) TransitionClaim(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.RespondBindError(c, err)
		return
	}
	claim, err := h.service.TransitionClaim(c.Request.Context(), c.Param("id"), ClaimStatus(req.Status), req.Notes)
	var railErr *escrow.ExternalRailError
	if err != nil && claim != nil && errors.As(err, &railErr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   railErr.Code(),
			"message": railErr.Error(),
			"claim":   claim,
		})
		return
	}
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	status := http.StatusOK
	if claim.Status == ClaimApproved && claim.TransactionID != "" {
		// Payout accepted by the rail but not yet settled.
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"claim": claim})
}

// RetryPayout handles POST /v1/insurance/claims/:id/retry
func (h *Handler) RetryPayout(c *gin.Context) {
	claim, err := h.service.RetryPayout(c.Request.Context(), c.Param("id"))
	var railErr *escrow.ExternalRailError
	if err != nil && claim != nil && errors.As(err, &railErr) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   railErr.Code(),
			"message": railErr.Error(),
			"claim":   claim,
		})
		return
	}
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	status := http.StatusOK
	if claim.Status == ClaimApproved {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"claim": claim})
}
