package payment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/farmart/internal/logging"
	"github.com/mbd888/farmart/internal/mpesa"
	"github.com/mbd888/farmart/internal/store"
)

// Handler provides HTTP endpoints for payment operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the public callback route Daraja posts to.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/mpesa/callback", h.Callback)
}

// RegisterProtectedRoutes sets up buyer-facing payment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/pay", h.InitiatePayment)
	r.GET("/orders/:id/payment", h.GetPayment)
	r.POST("/orders/:id/payment/query", h.QueryPayment)
}

// InitiatePayment handles POST /v1/orders/:id/pay
func (h *Handler) InitiatePayment(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	p, err := h.service.Initiate(c.Request.Context(), orderID, c.GetInt64("authUserID"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, store.ErrOrderNotFound), errors.Is(err, store.ErrUserNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotOrderBuyer):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrAlreadyPaid), errors.Is(err, ErrChargeInFlight):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, mpesa.ErrRejected):
			status = http.StatusBadGateway
			code = "gateway_rejected"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"payment": p})
}

// Callback handles POST /v1/mpesa/callback.
// Daraja expects a 200 no matter what, or it keeps redelivering.
func (h *Handler) Callback(c *gin.Context) {
	var env mpesa.CallbackEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		logging.L(c.Request.Context()).Warn("malformed mpesa callback", "error", err)
		c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
		return
	}

	if err := h.service.HandleCallback(c.Request.Context(), env.Body.StkCallback); err != nil {
		logging.L(c.Request.Context()).Error("mpesa callback processing failed",
			"merchantRequestId", env.Body.StkCallback.MerchantRequestID,
			"error", err,
		)
	}

	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// GetPayment handles GET /v1/orders/:id/payment
func (h *Handler) GetPayment(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	p, err := h.service.GetByOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payment for this order",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// QueryPayment handles POST /v1/orders/:id/payment/query
func (h *Handler) QueryPayment(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	resp, err := h.service.Query(c.Request.Context(), orderID, c.GetInt64("authUserID"))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, store.ErrPaymentNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotOrderBuyer):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrNotInitiated):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": resp})
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
