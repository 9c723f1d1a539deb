package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"

	"anon-chat/internal/observability"
)

const maxTrackedClients = 4096

// RateLimit throttles a route per client IP. Limiters for the least recently
// seen clients are evicted once maxTrackedClients is reached.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	limiters, _ := lru.New(maxTrackedClients)

	return func(c *gin.Context) {
		ip := observability.IPFromRequest(c.Request)
		var lim *rate.Limiter
		if v, ok := limiters.Get(ip); ok {
			lim = v.(*rate.Limiter)
		} else {
			lim = rate.NewLimiter(rate.Limit(rps), burst)
			limiters.Add(ip, lim)
		}

		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "too many requests",
			})
			return
		}
		c.Next()
	}
}
