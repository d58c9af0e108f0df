package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the gin context key of the authenticated user ID.
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the gin context key of the authenticated role.
	ContextKeyRole = "authRole"
)

// Middleware rejects requests without a valid bearer token and stores the
// caller identity in the gin context.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			raw = ""
		}
		id, err := m.Parse(strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "A valid bearer token is required.",
			})
			return
		}
		c.Set(ContextKeyUserID, id.UserID)
		c.Set(ContextKeyRole, string(id.Role))
		c.Next()
	}
}

// RequireRole rejects authenticated callers whose role is not listed.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRole(c)
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "This operation is not available for your role.",
		})
	}
}

// GetUserID returns the authenticated user ID, or "".
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetRole returns the authenticated role, or "".
func GetRole(c *gin.Context) Role {
	return Role(c.GetString(ContextKeyRole))
}

// IsOperator reports whether the caller is an operator.
func IsOperator(c *gin.Context) bool {
	return GetRole(c) == RoleOperator
}
