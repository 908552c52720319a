package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"group-chat/internal/auth"
	"group-chat/internal/middleware"
	"group-chat/internal/observability"
)

const requestIDContextKey = "request_id"

// requestIDFromContext resolves the request id once per request and caches it
// on the gin context.
func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(requestIDContextKey); id != "" {
		return id
	}
	id := observability.RequestID(c.Request)
	c.Set(requestIDContextKey, id)
	return id
}

// identityFromContext rebuilds the caller set by AuthMiddleware.
func identityFromContext(c *gin.Context) auth.Identity {
	return auth.Identity{
		UserID: c.GetInt(middleware.UserIDKey),
		Name:   c.GetString(middleware.UserNameKey),
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
