package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"anon-chat/internal/rabbitmq"
	"anon-chat/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, publisher rabbitmq.Publisher, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), telemetry.EventAuditTest, requestIDFromContext(c), telemetry.AuditPayload{Text: "audit test"})
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"publisher_mode": rabbitmq.PublisherMode(publisher),
			"noop_reason":    rabbitmq.PublisherNoopReason(publisher),
		})
	})
}
