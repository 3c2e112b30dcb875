package payout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for courier payouts.
type Handler struct {
	service *Service
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required payout routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payouts/request", h.Request)
	r.GET("/payouts/mine", h.ListMine)
	r.GET("/payouts/:id", h.Get)
}

// RegisterArbiterRoutes sets up admin-only payout routes.
func (h *Handler) RegisterArbiterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts", h.ListByStatus)
	r.POST("/payouts/:id/approve", h.Approve)
	r.POST("/payouts/:id/reject", h.Reject)
	r.POST("/payouts/sync", h.Sync)
}

// RequestPayoutRequest is the request body for opening a payout.
type RequestPayoutRequest struct {
	Receiver string `json:"receiver" binding:"required,max=320"`
}

// Request handles POST /v1/payouts/request
func (h *Handler) Request(c *gin.Context) {
	var req RequestPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	r, err := h.service.Request(c.Request.Context(), c.GetString("authUserID"), req.Receiver)
	if err != nil {
		respondPayoutError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout": r})
}

// Get handles GET /v1/payouts/:id
func (h *Handler) Get(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondPayoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": r})
}

// ListMine handles GET /v1/payouts/mine
func (h *Handler) ListMine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	requests, err := h.service.ListMine(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		respondPayoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": requests, "count": len(requests)})
}

// ListByStatus handles GET /v1/arbiter/payouts?status=pending&limit=50
func (h *Handler) ListByStatus(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusPending)))
	switch status {
	case StatusPending, StatusProcessing, StatusPaid, StatusRejected, StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown payout status",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	requests, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		respondPayoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": requests, "count": len(requests)})
}

// Approve handles POST /v1/arbiter/payouts/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	r, err := h.service.Approve(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondPayoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": r})
}

// RejectPayoutRequest is the request body for rejecting a payout.
type RejectPayoutRequest struct {
	Comment string `json:"comment" binding:"max=2000"`
}

// Reject handles POST /v1/arbiter/payouts/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	// The comment is optional; an empty body is fine.
	var req RejectPayoutRequest
	_ = c.ShouldBindJSON(&req)

	r, err := h.service.Reject(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Comment)
	if err != nil {
		respondPayoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": r})
}

// Sync handles POST /v1/arbiter/payouts/sync
func (h *Handler) Sync(c *gin.Context) {
	if err := h.service.Sync(c.Request.Context(), 100); err != nil {
		respondPayoutError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

// respondPayoutError maps domain errors to HTTP status codes.
func respondPayoutError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotRequester):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrRequestOpen), errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrActiveLegs), errors.Is(err, ErrNothingToPayOut):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unprocessable",
			"message": err.Error(),
		})
	case errors.Is(err, ErrProvider):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provider_error",
			"message": "Payout not completed",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
