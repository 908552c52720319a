package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"group-chat/internal/apperrors"
	"group-chat/internal/auth"
)

const (
	UserIDKey   = "userID"
	UserNameKey = "userName"
)

// AuthMiddleware validates the bearer token and stores the caller identity on
// the gin context.
func AuthMiddleware(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), strings.TrimSpace(parts[1]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperrors.PublicMessage(err)})
			return
		}

		c.Set(UserIDKey, identity.UserID)
		c.Set(UserNameKey, identity.Name)
		c.Next()
	}
}
