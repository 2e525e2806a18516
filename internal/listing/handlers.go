package listing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/farmart/internal/store"
)

// Handler provides HTTP endpoints for listing operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new listing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings", h.ListListings)
	r.GET("/listings/:id", h.GetListing)
}

// RegisterProtectedRoutes sets up protected (auth-required) listing routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
}

// CreateListing handles POST /v1/listings
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "title and a positive price are required",
		})
		return
	}

	farmerID := c.GetInt64("authUserID")
	l, err := h.service.Create(c.Request.Context(), farmerID, req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, store.ErrUserNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotFarmer):
			status = http.StatusForbidden
			code = "unauthorized"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// ListListings handles GET /v1/listings?status=available&limit=20&cursor=...
func (h *Handler) ListListings(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	status := store.ListingStatus(c.Query("status"))

	ls, next, err := h.service.List(c.Request.Context(), status, c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, ErrBadCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "invalid cursor",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{"listings": ls, "count": len(ls)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "listing id must be an integer",
		})
		return
	}

	l, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrListingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Listing not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"listing": l})
}
