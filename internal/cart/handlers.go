package cart

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/farmart/internal/store"
)

// Handler provides HTTP endpoints for cart operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new cart handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up cart routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/me/cart", h.GetCart)
	r.POST("/me/cart", h.AddItem)
	r.DELETE("/me/cart/:livestockId", h.RemoveItem)
	r.DELETE("/me/cart", h.ClearCart)
}

// GetCart handles GET /v1/me/cart
func (h *Handler) GetCart(c *gin.Context) {
	items, err := h.service.Get(c.Request.Context(), c.GetInt64("authUserID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// AddItem handles POST /v1/me/cart
func (h *Handler) AddItem(c *gin.Context) {
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	item, err := h.service.Add(c.Request.Context(), c.GetInt64("authUserID"), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, store.ErrListingNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrListingUnavailable):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"item": item})
}

// RemoveItem handles DELETE /v1/me/cart/:livestockId
func (h *Handler) RemoveItem(c *gin.Context) {
	livestockID, err := strconv.ParseInt(c.Param("livestockId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "livestock id must be an integer",
		})
		return
	}

	if err := h.service.Remove(c.Request.Context(), c.GetInt64("authUserID"), livestockID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ClearCart handles DELETE /v1/me/cart
func (h *Handler) ClearCart(c *gin.Context) {
	if err := h.service.Clear(c.Request.Context(), c.GetInt64("authUserID")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
