package middleware

import (
	"net/http"

	"boardsync/internal/auth"
	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey   = "userID"
	userNameContextKey = "userName"
)

func UserIDFromContext(c *gin.Context) (string, bool) {
	value := c.GetString(userIDContextKey)
	return value, value != ""
}

// UserNameFromContext returns the display name carried by the token, which
// may be empty.
func UserNameFromContext(c *gin.Context) string {
	return c.GetString(userNameContextKey)
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Set(userNameContextKey, claims.Name)
		c.Next()
	}
}
