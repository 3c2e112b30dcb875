package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/swaploop/internal/match"
)

// Handler provides HTTP endpoints for help cases.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required case routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/help/cases", h.OpenCase)
	r.GET("/help/cases/:id", h.GetCase)
}

// RegisterArbiterRoutes sets up arbiter-only case routes.
func (h *Handler) RegisterArbiterRoutes(r *gin.RouterGroup) {
	r.GET("/cases", h.ListCases)
	r.GET("/cases/:id/refunds", h.ListRefunds)
	r.POST("/cases/:id/review", h.Review)
	r.POST("/cases/:id/resolve", h.Resolve)
	r.POST("/refunds/sync", h.SyncRefunds)
}

// OpenCaseRequest is the request body for opening a help case.
type OpenCaseRequest struct {
	MatchID string `json:"matchId" binding:"required"`
	Type    string `json:"type" binding:"required"`
	Reason  string `json:"reason" binding:"required,max=2000"`
}

// OpenCase handles POST /v1/help/cases
func (h *Handler) OpenCase(c *gin.Context) {
	var req OpenCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	typ, ok := ParseCaseType(req.Type)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": ErrInvalidType.Error(),
		})
		return
	}

	hc, err := h.service.OpenCase(c.Request.Context(), req.MatchID, c.GetString("authUserID"), typ, req.Reason)
	if err != nil {
		respondCaseError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"case": hc})
}

// GetCase handles GET /v1/help/cases/:id
func (h *Handler) GetCase(c *gin.Context) {
	hc, err := h.service.GetCase(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": hc})
}

// ListCases handles GET /v1/arbiter/cases?status=open&limit=50&cursor=...
func (h *Handler) ListCases(c *gin.Context) {
	status := CaseStatus(c.DefaultQuery("status", string(CaseOpen)))
	switch status {
	case CaseOpen, CaseUnderReview, CaseResolved, CaseRejected:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "unknown case status",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	cases, next, err := h.service.ListCases(c.Request.Context(), status, c.Query("cursor"), limit)
	if err != nil {
		respondCaseError(c, err)
		return
	}
	resp := gin.H{"cases": cases, "count": len(cases)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// ListRefunds handles GET /v1/arbiter/cases/:id/refunds
func (h *Handler) ListRefunds(c *gin.Context) {
	refunds, err := h.service.ListRefunds(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds, "count": len(refunds)})
}

// Review handles POST /v1/arbiter/cases/:id/review
func (h *Handler) Review(c *gin.Context) {
	hc, err := h.service.Review(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": hc})
}

// ResolveRequest is the request body for resolving a case.
type ResolveRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Comment string `json:"comment" binding:"max=2000"`
}

// Resolve handles POST /v1/arbiter/cases/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	hc, err := h.service.Resolve(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), *req.Approve, req.Comment)
	if err != nil {
		respondCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": hc})
}

// SyncRefunds handles POST /v1/arbiter/refunds/sync
func (h *Handler) SyncRefunds(c *gin.Context) {
	if err := h.service.SyncRefunds(c.Request.Context(), 100); err != nil {
		respondCaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

// respondCaseError maps domain errors to HTTP status codes.
func respondCaseError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrCaseNotFound), errors.Is(err, ErrRefundNotFound),
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
	case errors.Is(err, ErrCaseOpen), errors.Is(err, ErrCaseClosed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDetailsLocked):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unprocessable",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidType), errors.Is(err, ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
