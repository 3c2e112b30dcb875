package payment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/swaploop/internal/match"
)

// Handler provides HTTP endpoints for the payment flow.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required payment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/matches/:id/payment", h.GetPayment)
	r.POST("/matches/:id/payment/intent", h.CreateIntent)
	r.POST("/matches/:id/payment/capture", h.Capture)
	r.GET("/matches/:id/payment/otp/status", h.StepUpStatus)
	r.POST("/matches/:id/payment/otp/send", h.SendStepUp)
	r.POST("/matches/:id/payment/otp/verify", h.VerifyStepUp)
}

// GetPayment handles GET /v1/matches/:id/payment
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.store.GetPaymentByPayer(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// CreateIntent handles POST /v1/matches/:id/payment/intent
func (h *Handler) CreateIntent(c *gin.Context) {
	p, err := h.service.CreateIntent(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// Capture handles POST /v1/matches/:id/payment/capture
func (h *Handler) Capture(c *gin.Context) {
	p, err := h.service.Capture(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// StepUpStatus handles GET /v1/matches/:id/payment/otp/status
func (h *Handler) StepUpStatus(c *gin.Context) {
	status, err := h.service.GetStepUpStatus(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stepUp": status})
}

// SendStepUp handles POST /v1/matches/:id/payment/otp/send
func (h *Handler) SendStepUp(c *gin.Context) {
	err := h.service.SendStepUp(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// VerifyStepUpRequest carries the submitted one-time code.
type VerifyStepUpRequest struct {
	Code string `json:"code" binding:"required,len=6"`
}

// VerifyStepUp handles POST /v1/matches/:id/payment/otp/verify
func (h *Handler) VerifyStepUp(c *gin.Context) {
	var req VerifyStepUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	err := h.service.VerifyStepUp(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Code)
	if err != nil {
		respondPaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}

// respondPaymentError maps domain errors to HTTP status codes.
func respondPaymentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrStepUpNotFound),
		errors.Is(err, match.ErrMatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDisputeActive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_active",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNothingToPay), errors.Is(err, ErrSplitNotSet),
		errors.Is(err, ErrFeeNotComputed), errors.Is(err, ErrNotAssisted),
		errors.Is(err, ErrIntentRequired):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unprocessable",
			"message": err.Error(),
		})
	case errors.Is(err, ErrStepUpRequired):
		c.JSON(http.StatusPreconditionRequired, gin.H{
			"error":   "stepup_required",
			"message": err.Error(),
		})
	case errors.Is(err, ErrStepUpExpired):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "stepup_expired",
			"message": err.Error(),
		})
	case errors.Is(err, ErrStepUpInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "stepup_invalid",
			"message": err.Error(),
		})
	case errors.Is(err, ErrProvider):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provider_error",
			"message": "Payment not completed",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
