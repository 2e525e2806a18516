package order

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/farmart/internal/escrow"
	"github.com/mbd888/farmart/internal/listing"
	"github.com/mbd888/farmart/internal/store"
)

// Handler provides HTTP endpoints for order operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up order routes. Every order operation
// requires an authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.PlaceOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/me/orders", h.ListPurchases)
	r.GET("/me/sales", h.ListSales)
	r.POST("/orders/:id/confirm", h.Confirm)
	r.POST("/orders/:id/processing", h.StartProcessing)
	r.POST("/orders/:id/ship", h.Ship)
	r.POST("/orders/:id/deliver", h.ConfirmDelivery)
	r.POST("/orders/:id/cancel", h.CancelOrder)
}

// PlaceOrder handles POST /v1/orders
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "livestockId and shippingAddress are required",
		})
		return
	}

	buyerID := c.GetInt64("authUserID")
	o, err := h.service.Place(c.Request.Context(), buyerID, req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, store.ErrUserNotFound), errors.Is(err, store.ErrListingNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotBuyer), errors.Is(err, listing.ErrSelfPurchase):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, listing.ErrAlreadyReserved):
			status = http.StatusConflict
			code = "listing_unavailable"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	o, err := h.service.Get(c.Request.Context(), orderID, c.GetInt64("authUserID"))
	if err != nil {
		writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListPurchases handles GET /v1/me/orders
func (h *Handler) ListPurchases(c *gin.Context) {
	orders, err := h.service.ListPurchases(c.Request.Context(), c.GetInt64("authUserID"), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// ListSales handles GET /v1/me/sales
func (h *Handler) ListSales(c *gin.Context) {
	orders, err := h.service.ListSales(c.Request.Context(), c.GetInt64("authUserID"), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// Confirm handles POST /v1/orders/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	h.runTransition(c, h.service.Confirm)
}

// StartProcessing handles POST /v1/orders/:id/processing
func (h *Handler) StartProcessing(c *gin.Context) {
	h.runTransition(c, h.service.StartProcessing)
}

// Ship handles POST /v1/orders/:id/ship
func (h *Handler) Ship(c *gin.Context) {
	h.runTransition(c, h.service.Ship)
}

// ConfirmDelivery handles POST /v1/orders/:id/deliver
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	h.runTransition(c, h.service.ConfirmDelivery)
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	o, err := h.service.Cancel(c.Request.Context(), orderID, c.GetInt64("authUserID"), req.Reason)
	if err != nil {
		writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

func (h *Handler) runTransition(c *gin.Context, fn func(ctx context.Context, orderID, actorID int64) (*store.Order, error)) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	o, err := fn(c.Request.Context(), orderID, c.GetInt64("authUserID"))
	if err != nil {
		writeOrderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": o})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "order id must be an integer",
		})
		return 0, false
	}
	return id, true
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

func writeOrderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, store.ErrOrderNotFound), errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, escrow.ErrAlreadySettled),
		errors.Is(err, store.ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
