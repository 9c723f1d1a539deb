package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"anon-chat/internal/middleware"
	"anon-chat/internal/observability"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}

	requestID := c.GetHeader(observability.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}
