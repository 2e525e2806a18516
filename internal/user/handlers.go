package user

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/farmart/internal/auth"
	"github.com/mbd888/farmart/internal/store"
)

// Handler provides HTTP endpoints for accounts.
type Handler struct {
	service *Service
}

// NewHandler creates a new user handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/register", h.Register)
	r.GET("/farmers/:id", h.GetFarmer)
}

// RegisterProtectedRoutes sets up auth-required account routes.
func (h *Handler) RegisterProtectedRoutes(r gin.IRoutes) {
	r.GET("/me", h.Me)
}

// Register handles POST /v1/auth/register
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "phoneNumber, name, and role are required",
		})
		return
	}

	reg, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidPhone), errors.Is(err, ErrInvalidRole):
			status = http.StatusBadRequest
			code = "invalid_request"
		case errors.Is(err, ErrPhoneTaken):
			status = http.StatusConflict
			code = "phone_taken"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user":    reg.User,
		"apiKey":  reg.APIKey,
		"keyId":   reg.KeyID,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// Me handles GET /v1/me
func (h *Handler) Me(c *gin.Context) {
	u, err := h.service.Get(c.Request.Context(), auth.UserID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Account not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// GetFarmer handles GET /v1/farmers/:id — a public seller profile.
func (h *Handler) GetFarmer(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "farmer id must be an integer",
		})
		return
	}

	u, err := h.service.Get(c.Request.Context(), id)
	if err != nil || u.Role != store.RoleFarmer {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Farmer not found",
		})
		return
	}

	// Public view: no phone number.
	c.JSON(http.StatusOK, gin.H{"farmer": gin.H{
		"id":         u.ID,
		"name":       u.Name,
		"rating":     u.Rating,
		"totalSales": u.TotalSales,
		"createdAt":  u.CreatedAt,
	}})
}
