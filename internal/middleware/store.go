package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireStore rejects every request with {code:500} while no storage
// backend is bound. Retrying cannot fix that, so clients treat it as fatal.
func RequireStore(bound func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if bound == nil || !bound() {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code": http.StatusInternalServerError,
				"msg":  "storage backend not configured",
			})
			return
		}
		c.Next()
	}
}
