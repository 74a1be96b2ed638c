package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID holds the authenticated user id (int64).
	ContextKeyUserID = "authUserID"
	// ContextKeyClaims holds the parsed *Claims.
	ContextKeyClaims = "authClaims"
)

// Middleware parses a bearer token if present and stores the caller's
// identity in the context. Requests without a valid token pass through
// unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			// Browsers cannot set headers on WebSocket upgrades.
			token = c.Query("token")
		}
		if token != "" {
			if claims, err := m.Parse(token); err == nil {
				id, _ := claims.UserID()
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyUserID, id)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that Middleware did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetInt64(ContextKeyUserID) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated callers lacking role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(ContextKeyClaims)
		claims, _ := v.(*Claims)
		if !ok || claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !claims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Missing role " + role,
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or 0.
func UserID(c *gin.Context) int64 {
	return c.GetInt64(ContextKeyUserID)
}
