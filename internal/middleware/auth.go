package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mapwall/internal/security"
)

const identityKey = "identity"

// Authenticate reads a bearer session token. With required set a request
// without one is rejected; otherwise it continues anonymously. A token that
// is present but invalid is always rejected.
func Authenticate(secret string, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
				return
			}
			c.Next()
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed authorization header"})
			return
		}

		claims, err := security.ParseSessionToken(strings.TrimPrefix(authHeader, "Bearer "), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
			return
		}

		c.Set(identityKey, claims.Identity())
		c.Next()
	}
}

// Identity returns the authenticated user id, or "" for anonymous requests.
func Identity(c *gin.Context) string {
	return c.GetString(identityKey)
}
