package catalog

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/handyhub/internal/auth"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/pagination"
	"github.com/mbd888/handyhub/internal/validation"
)

// Handler provides HTTP endpoints for service listings.
type Handler struct {
	service *Service
}

// NewHandler creates a new catalog handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated provider routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	provider := auth.RequireRole(auth.RoleProvider)
	r.POST("/services", provider, h.CreateListing)
	r.PATCH("/services/:id", validation.IDParamMiddleware("id"), provider, h.UpdateListing)
}

// RegisterPublicRoutes sets up the read-only routes.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/services/:id", validation.IDParamMiddleware("id"), h.GetListing)
	r.GET("/providers/:id/services", validation.IDParamMiddleware("id"), h.ListProviderListings)
}

// CreateListing handles POST /v1/services
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("title", req.Title, 200),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Title = validation.SanitizeString(req.Title, 200)

	l, err := h.service.Create(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"service": l})
}

// UpdateListing handles PATCH /v1/services/:id
func (h *Handler) UpdateListing(c *gin.Context) {
	var req UpdateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	l, err := h.service.Update(c.Request.Context(), c.Param("id"), auth.GetUserID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": l})
}

// GetListing handles GET /v1/services/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": l})
}

// ListProviderListings handles GET /v1/providers/:id/services
func (h *Handler) ListProviderListings(c *gin.Context) {
	items, err := h.service.ListByProvider(c.Request.Context(), c.Param("id"), pagination.Limit(c.Query("limit")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": items, "count": len(items)})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Service not found"})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidListing):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("catalog request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error, please try again"})
	}
}
