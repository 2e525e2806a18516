package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/farmart/internal/escrow"
	"github.com/mbd888/farmart/internal/store"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up buyer-facing dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/dispute", h.OpenDispute)
	r.GET("/orders/:id/dispute", h.GetOrderDispute)
	r.GET("/disputes/:id", h.GetDispute)
}

// RegisterAdminRoutes sets up moderation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.POST("/disputes/:id/review", h.ReviewDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// OpenDispute handles POST /v1/orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	d, err := h.service.Open(c.Request.Context(), orderID, c.GetInt64("authUserID"), req)
	if err != nil {
		writeDisputeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetOrderDispute handles GET /v1/orders/:id/dispute
func (h *Handler) GetOrderDispute(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	d, err := h.service.GetByOrder(c.Request.Context(), orderID)
	if err != nil {
		writeDisputeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	disputeID, ok := pathID(c)
	if !ok {
		return
	}

	d, err := h.service.Get(c.Request.Context(), disputeID)
	if err != nil {
		writeDisputeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/admin/disputes?status=open&limit=50
func (h *Handler) ListDisputes(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	status := store.DisputeStatus(c.Query("status"))

	ds, err := h.service.List(c.Request.Context(), c.GetInt64("authUserID"), status, limit)
	if err != nil {
		writeDisputeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
}

// ReviewDispute handles POST /v1/admin/disputes/:id/review
func (h *Handler) ReviewDispute(c *gin.Context) {
	disputeID, ok := pathID(c)
	if !ok {
		return
	}

	d, err := h.service.MarkUnderReview(c.Request.Context(), disputeID, c.GetInt64("authUserID"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	disputeID, ok := pathID(c)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), disputeID, c.GetInt64("authUserID"), req)
	if err != nil {
		writeDisputeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func writeDisputeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, store.ErrOrderNotFound),
		errors.Is(err, store.ErrDisputeNotFound),
		errors.Is(err, store.ErrUserNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotAdmin):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrBadResolution), errors.Is(err, ErrRefundExceedsHeld):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrAlreadyDisputed),
		errors.Is(err, ErrNotDisputable),
		errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, escrow.ErrAlreadySettled),
		errors.Is(err, store.ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "id must be an integer",
		})
		return 0, false
	}
	return id, true
}
