package verification

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/handyhub/internal/auth"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/validation"
)

// Handler exposes provider verification endpoints.
type Handler struct {
	gate *Gate
}

// NewHandler creates a new verification handler.
func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

// RegisterRoutes sets up provider routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	provider := auth.RequireRole(auth.RoleProvider)
	r.GET("/verification", provider, h.GetStatus)
	r.POST("/verification/session", provider, h.StartSession)
}

// RegisterOperatorRoutes sets up operator routes. The group must already
// require the operator role.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.PUT("/providers/:id/account-type", validation.IDParamMiddleware("id"), h.SetAccountType)
}

// GetStatus handles GET /v1/verification
func (h *Handler) GetStatus(c *gin.Context) {
	p, err := h.gate.Profile(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	verified, err := h.gate.IsProviderVerified(c.Request.Context(), p.ProviderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p, "canTakeBookings": verified})
}

// StartSession handles POST /v1/verification/session
func (h *Handler) StartSession(c *gin.Context) {
	s, err := h.gate.StartVerification(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

type accountTypeRequest struct {
	AccountType AccountType `json:"accountType" binding:"required"`
}

// SetAccountType handles PUT /v1/operator/providers/:id/account-type
func (h *Handler) SetAccountType(c *gin.Context) {
	var req accountTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountType is required",
		})
		return
	}
	p, err := h.gate.SetAccountType(c.Request.Context(), c.Param("id"), req.AccountType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAlreadyVerified):
		c.JSON(http.StatusConflict, gin.H{"error": "already_verified", "message": err.Error()})
	case errors.Is(err, ErrInvalidAccount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Warn("verification request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "verification_unavailable",
			"message": "Identity verification is unavailable, please try again",
		})
	}
}
