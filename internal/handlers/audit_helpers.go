package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"messenger/internal/middleware"
	"messenger/internal/telemetry"
)

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(middleware.RequestIDKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *int64 {
	return telemetry.UserRef(c.GetInt("userID"))
}
