package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"group-chat/internal/middleware"
	"group-chat/internal/telemetry"
)

// RoomStats exposes live room counts.
type RoomStats interface {
	Rooms() int
	Members(groupID int) int
}

// RegisterDebugRoutes mounts /debug when enabled. Both routes sit behind the
// auth middleware.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, rooms RoomStats, enabled bool) {
	if !enabled {
		return
	}
	g := router.Group("/debug")

	g.GET("/rooms", func(c *gin.Context) {
		if rooms == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room registry not configured"})
			return
		}
		resp := gin.H{"rooms": rooms.Rooms()}
		if raw := c.Query("groupId"); raw != "" {
			groupID, err := strconv.Atoi(raw)
			if err != nil || groupID <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
				return
			}
			resp["groupId"] = groupID
			resp["members"] = rooms.Members(groupID)
		}
		c.JSON(http.StatusOK, resp)
	})

	// emits one audit record so the broker path can be checked end to end
	g.POST("/audit", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		groupID, _ := strconv.Atoi(c.Query("groupId"))
		emitter.Emit(c.Request.Context(), telemetry.Record{
			Action:    "debug.audit_check",
			Text:      "debug audit check",
			RequestID: requestIDFromContext(c),
			UserID:    c.GetInt(middleware.UserIDKey),
			GroupID:   groupID,
		})
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "requestId": requestIDFromContext(c)})
	})
}
