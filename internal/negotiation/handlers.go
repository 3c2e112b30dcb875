package negotiation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for swap-detail negotiation.
type Handler struct {
	service *Service
}

// NewHandler creates a new negotiation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required negotiation routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/matches/:id/negotiation", h.History)
	r.POST("/matches/:id/negotiation/:type", h.Propose)
	r.POST("/matches/:id/negotiation/:type/respond", h.Respond)
	r.POST("/matches/:id/negotiation/:type/counter", h.Counter)
}

// ProposeRequest carries the proposed value.
type ProposeRequest struct {
	Value string `json:"value" binding:"required"`
}

// Propose handles POST /v1/matches/:id/negotiation/:type
func (h *Handler) Propose(c *gin.Context) {
	attr, ok := ParseAttributeType(c.Param("type"))
	if !ok {
		respondNegotiationError(c, ErrInvalidAttribute)
		return
	}

	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Propose(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), attr, req.Value)
	if err != nil {
		respondNegotiationError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// RespondRequest accepts or rejects the pending offer.
type RespondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

// Respond handles POST /v1/matches/:id/negotiation/:type/respond
func (h *Handler) Respond(c *gin.Context) {
	attr, ok := ParseAttributeType(c.Param("type"))
	if !ok {
		respondNegotiationError(c, ErrInvalidAttribute)
		return
	}

	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Respond(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), attr, *req.Accept)
	if err != nil {
		respondNegotiationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// Counter handles POST /v1/matches/:id/negotiation/:type/counter
func (h *Handler) Counter(c *gin.Context) {
	attr, ok := ParseAttributeType(c.Param("type"))
	if !ok {
		respondNegotiationError(c, ErrInvalidAttribute)
		return
	}

	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	o, err := h.service.Counter(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), attr, req.Value)
	if err != nil {
		respondNegotiationError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// History handles GET /v1/matches/:id/negotiation
func (h *Handler) History(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 200)

	offers, err := h.service.History(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), limit)
	if err != nil {
		respondNegotiationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// respondNegotiationError maps domain errors to HTTP status codes.
func respondNegotiationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrSelfResponse),
		errors.Is(err, ErrNotProposer):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrPendingOffer), errors.Is(err, ErrMaxRounds),
		errors.Is(err, ErrOfferNotPending), errors.Is(err, ErrMatchLocked),
		errors.Is(err, ErrMatchTerminal), errors.Is(err, ErrPaymentsPending),
		errors.Is(err, ErrMatchFrozen), errors.Is(err, ErrAlreadyAgreed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidAttribute), errors.Is(err, ErrInvalidValue),
		errors.Is(err, ErrPastTime):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSwapMethodFirst), errors.Is(err, ErrMeetupOnly),
		errors.Is(err, ErrAssistedOnly), errors.Is(err, ErrFeeNotComputed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "prerequisite_missing",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

func parseLimit(s string, def, max int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
