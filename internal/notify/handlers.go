package notify

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/handyhub/internal/auth"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/pagination"
)

// Handler serves the authenticated user's notification feed.
type Handler struct {
	reader Reader
}

// NewHandler creates a new notification handler.
func NewHandler(reader Reader) *Handler {
	return &Handler{reader: reader}
}

// RegisterRoutes sets up notification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
}

// List handles GET /notifications
func (h *Handler) List(c *gin.Context) {
	userID := auth.GetUserID(c)
	items, err := h.reader.ListForUser(c.Request.Context(), userID, pagination.Limit(c.Query("limit")))
	if err != nil {
		logging.L(c.Request.Context()).Error("list notifications failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error, please try again",
		})
		return
	}
	if items == nil {
		items = []*Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items, "count": len(items)})
}
