package match

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/swaploop/internal/geo"
)

// Handler provides HTTP endpoints for matches and delivery jobs.
type Handler struct {
	service *Service
}

// NewHandler creates a new match handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required match and job routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/matches/likes/:likeId/accept", h.AcceptLike)
	r.GET("/matches/:id", h.GetMatch)
	r.GET("/matches/:id/legs", h.ListLegs)
	r.PUT("/matches/:id/addresses", h.SetAddress)

	r.GET("/jobs/available", h.AvailableJobs)
	r.GET("/jobs/mine", h.MyJobs)
	r.POST("/matches/:id/jobs/accept", h.AcceptJob)
	r.POST("/jobs/:legId/pickup", h.Pickup)
	r.POST("/jobs/:legId/delivered", h.Delivered)

	r.PUT("/couriers/me", h.UpsertCourier)
	r.POST("/couriers/me/availability", h.AddAvailability)
}

// AcceptLikeRequest selects one of the liker's items to complete a match.
type AcceptLikeRequest struct {
	SelectedItemID string `json:"selectedItemId" binding:"required"`
}

// AcceptLike handles POST /v1/matches/likes/:likeId/accept
func (h *Handler) AcceptLike(c *gin.Context) {
	var req AcceptLikeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	m, err := h.service.CreateMatch(c.Request.Context(), c.GetString("authUserID"), c.Param("likeId"), req.SelectedItemID)
	if err != nil {
		respondMatchError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"match": m})
}

// GetMatch handles GET /v1/matches/:id
func (h *Handler) GetMatch(c *gin.Context) {
	m, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"match": m})
}

// ListLegs handles GET /v1/matches/:id/legs
func (h *Handler) ListLegs(c *gin.Context) {
	matchID := c.Param("id")
	if _, err := h.service.Get(c.Request.Context(), matchID, c.GetString("authUserID")); err != nil {
		respondMatchError(c, err)
		return
	}

	legs, err := h.service.store.ListLegsByMatch(c.Request.Context(), matchID)
	if err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"legs": legs, "count": len(legs)})
}

// SetAddressRequest is one party's delivery address.
type SetAddressRequest struct {
	Address string `json:"address" binding:"required"`
	Postal  string `json:"postal"`
}

// SetAddress handles PUT /v1/matches/:id/addresses
func (h *Handler) SetAddress(c *gin.Context) {
	var req SetAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	err := h.service.SetDeliveryAddress(c.Request.Context(),
		c.Param("id"), c.GetString("authUserID"), req.Address, req.Postal)
	if err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

// AvailableJobs handles GET /v1/jobs/available
func (h *Handler) AvailableJobs(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 20, 100)

	jobs, err := h.service.AvailableJobs(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// MyJobs handles GET /v1/jobs/mine
func (h *Handler) MyJobs(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 200)

	jobs, err := h.service.MyJobs(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// AcceptJob handles POST /v1/matches/:id/jobs/accept
func (h *Handler) AcceptJob(c *gin.Context) {
	err := h.service.AssignCourier(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// Pickup handles POST /v1/jobs/:legId/pickup
func (h *Handler) Pickup(c *gin.Context) {
	err := h.service.Pickup(c.Request.Context(), c.Param("legId"), c.GetString("authUserID"))
	if err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "in_progress"})
}

// Delivered handles POST /v1/jobs/:legId/delivered
func (h *Handler) Delivered(c *gin.Context) {
	err := h.service.Delivered(c.Request.Context(), c.Param("legId"), c.GetString("authUserID"))
	if err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

// UpsertCourierRequest is a courier profile update.
type UpsertCourierRequest struct {
	HomeLat  *float64 `json:"homeLat" binding:"required"`
	HomeLng  *float64 `json:"homeLng" binding:"required"`
	RadiusKm float64  `json:"radiusKm" binding:"required,gt=0"`
	Active   bool     `json:"active"`
}

// UpsertCourier handles PUT /v1/couriers/me
func (h *Handler) UpsertCourier(c *gin.Context) {
	var req UpsertCourierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	courier := &Courier{
		ID:       c.GetString("authUserID"),
		RadiusKm: req.RadiusKm,
		Active:   req.Active,
	}
	if req.HomeLat != nil && req.HomeLng != nil {
		courier.Home = &geo.Point{Lat: *req.HomeLat, Lng: *req.HomeLng}
	}

	if err := h.service.UpsertCourierProfile(c.Request.Context(), courier); err != nil {
		respondMatchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"courier": courier})
}

// AddAvailabilityRequest is a recurring weekly window.
type AddAvailabilityRequest struct {
	Weekday     int `json:"weekday" binding:"min=0,max=6"`
	StartMinute int `json:"startMinute" binding:"min=0"`
	EndMinute   int `json:"endMinute" binding:"required,gt=0,max=1440"`
}

// AddAvailability handles POST /v1/couriers/me/availability
func (h *Handler) AddAvailability(c *gin.Context) {
	var req AddAvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	w := &AvailabilityWindow{
		CourierID:   c.GetString("authUserID"),
		Weekday:     req.Weekday,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
	}
	if err := h.service.AddAvailability(c.Request.Context(), w); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_window",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"window": w})
}

// respondMatchError maps domain errors to HTTP status codes.
func respondMatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMatchNotFound), errors.Is(err, ErrLikeNotFound),
		errors.Is(err, ErrItemNotFound), errors.Is(err, ErrLegNotFound),
		errors.Is(err, ErrCourierNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotItemOwner),
		errors.Is(err, ErrNotAssignee), errors.Is(err, ErrSelfSwap):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrJobTaken), errors.Is(err, ErrLegsClaimed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	case errors.Is(err, ErrMatchLocked), errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, ErrItemUnavailable), errors.Is(err, ErrWrongItemOwner),
		errors.Is(err, ErrAddressesMissing), errors.Is(err, ErrCourierNotReady),
		errors.Is(err, ErrOutsideRadius), errors.Is(err, ErrNotAvailable),
		errors.Is(err, ErrFeeNotComputed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unprocessable",
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
