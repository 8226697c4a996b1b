package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messenger/internal/telemetry"
)

// OnlineCounter reports how many users are connected.
type OnlineCounter interface {
	OnlineUsers() int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, online OnlineCounter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit.test", requestIDFromContext(c), userIDFromContext(c), nil)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/presence", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"online_users": online.OnlineUsers()})
	})
}
