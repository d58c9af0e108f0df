package escrow

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/handyhub/internal/auth"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/pagination"
	"github.com/mbd888/handyhub/internal/validation"
)

// Handler provides HTTP endpoints for the booking lifecycle and operator
// dispute resolution.
type Handler struct {
	bookings *Bookings
	resolver *Resolver
}

// NewHandler creates a new booking handler.
func NewHandler(bookings *Bookings, resolver *Resolver) *Handler {
	return &Handler{bookings: bookings, resolver: resolver}
}

// RegisterRoutes sets up authenticated booking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	customer := auth.RequireRole(auth.RoleCustomer)
	provider := auth.RequireRole(auth.RoleProvider)
	id := validation.IDParamMiddleware("id")

	r.POST("/bookings", customer, h.CreateBooking)
	r.GET("/bookings", h.ListBookings)
	r.GET("/bookings/:id", id, h.GetBooking)
	r.POST("/bookings/:id/confirm", id, provider, h.ConfirmBooking)
	r.POST("/bookings/:id/decline", id, provider, h.DeclineBooking)
	r.POST("/bookings/:id/provider-cancel", id, provider, h.ProviderCancelBooking)
	r.POST("/bookings/:id/deliver", id, provider, h.MarkDelivered)
	r.POST("/bookings/:id/complete", id, customer, h.ConfirmCompletion)
	r.POST("/bookings/:id/dispute", id, customer, h.DisputeBooking)
	r.POST("/bookings/:id/cancel", id, customer, h.CancelBooking)
}

// RegisterOperatorRoutes sets up operator-only dispute routes.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.Use(auth.RequireRole(auth.RoleOperator))
	r.GET("/disputes", h.ListOpenDisputes)
	r.GET("/disputes/:id", validation.IDParamMiddleware("id"), h.GetDispute)
	r.POST("/disputes/:id/resolve", validation.IDParamMiddleware("id"), h.ResolveDispute)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type completeRequest struct {
	Feedback string `json:"feedback"`
}

type disputeRequest struct {
	Reason      string `json:"reason" binding:"required"`
	Description string `json:"description"`
}

// CreateBooking handles POST /v1/bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	var req RequestBookingInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("serviceId", req.ServiceID),
		validation.MaxLength("notes", req.Notes, validation.MaxTextLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Notes = validation.SanitizeString(req.Notes, validation.MaxTextLength)

	pair, err := h.bookings.RequestBooking(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pair)
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	pair, err := h.bookings.Get(c.Request.Context(), c.Param("id"), auth.GetUserID(c), auth.IsOperator(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// ListBookings handles GET /v1/bookings?cursor=&limit=
func (h *Handler) ListBookings(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}

	items, err := h.bookings.List(c.Request.Context(), auth.GetUserID(c), cursor, limit+1)
	if err != nil {
		RespondError(c, err)
		return
	}
	page, next, hasMore := pagination.ComputePage(items, limit, func(b *Booking) (t time.Time, id string) {
		return b.CreatedAt, b.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"bookings":   page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// ConfirmBooking handles POST /v1/bookings/:id/confirm
func (h *Handler) ConfirmBooking(c *gin.Context) {
	pair, err := h.bookings.Confirm(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	respondPair(c, pair, err)
}

// DeclineBooking handles POST /v1/bookings/:id/decline
func (h *Handler) DeclineBooking(c *gin.Context) {
	var req reasonRequest
	if !bindOptional(c, &req) {
		return
	}
	pair, err := h.bookings.Decline(c.Request.Context(), c.Param("id"), auth.GetUserID(c), cleanText(req.Reason))
	respondPair(c, pair, err)
}

// ProviderCancelBooking handles POST /v1/bookings/:id/provider-cancel
func (h *Handler) ProviderCancelBooking(c *gin.Context) {
	var req reasonRequest
	if !bindOptional(c, &req) {
		return
	}
	pair, err := h.bookings.ProviderCancel(c.Request.Context(), c.Param("id"), auth.GetUserID(c), cleanText(req.Reason))
	respondPair(c, pair, err)
}

// MarkDelivered handles POST /v1/bookings/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	pair, err := h.bookings.MarkServiceDelivered(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	respondPair(c, pair, err)
}

// ConfirmCompletion handles POST /v1/bookings/:id/complete
func (h *Handler) ConfirmCompletion(c *gin.Context) {
	var req completeRequest
	if !bindOptional(c, &req) {
		return
	}
	pair, err := h.bookings.ConfirmCompletion(c.Request.Context(), c.Param("id"), auth.GetUserID(c), cleanText(req.Feedback))
	respondPair(c, pair, err)
}

// DisputeBooking handles POST /v1/bookings/:id/dispute
func (h *Handler) DisputeBooking(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A dispute reason is required",
		})
		return
	}
	pair, err := h.bookings.Dispute(c.Request.Context(), c.Param("id"), auth.GetUserID(c),
		cleanText(req.Reason), cleanText(req.Description))
	respondPair(c, pair, err)
}

// CancelBooking handles POST /v1/bookings/:id/cancel
func (h *Handler) CancelBooking(c *gin.Context) {
	var req reasonRequest
	if !bindOptional(c, &req) {
		return
	}
	pair, err := h.bookings.Cancel(c.Request.Context(), c.Param("id"), auth.GetUserID(c), cleanText(req.Reason))
	respondPair(c, pair, err)
}

// ListOpenDisputes handles GET /v1/operator/disputes
func (h *Handler) ListOpenDisputes(c *gin.Context) {
	disputes, err := h.resolver.ListOpen(c.Request.Context(), pagination.Limit(c.Query("limit")))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// GetDispute handles GET /v1/operator/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.resolver.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/operator/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("outcome", string(req.Outcome), string(OutcomeRelease), string(OutcomeRefund)),
		validation.MaxLength("note", req.Note, validation.MaxTextLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	pair, err := h.resolver.Resolve(c.Request.Context(), c.Param("id"), req.Outcome, auth.GetUserID(c), cleanText(req.Note))
	respondPair(c, pair, err)
}

func bindOptional(c *gin.Context, req any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func cleanText(s string) string {
	return validation.SanitizeString(s, validation.MaxTextLength)
}

func respondPair(c *gin.Context, pair *Pair, err error) {
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// RespondError writes the JSON error body for err. Infrastructure failures
// are logged and reported without internal detail.
func RespondError(c *gin.Context, err error) {
	code, status := Classify(err)
	message := err.Error()
	switch {
	case errors.Is(err, ErrConsistency):
		message = "Booking state is inconsistent and has been flagged for review"
	case errors.Is(err, ErrGateway):
		logging.L(c.Request.Context()).Warn("gateway error", "path", c.FullPath(), "error", err)
		message = "The payment provider did not respond, please try again"
	case code == "internal_error":
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		message = "Internal error, please try again"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
