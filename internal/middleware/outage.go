package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/carelink/internal/handler"
)

// Outage answers 503 to everything while down is set, health paths
// included, so clients see the server as unreachable.
func Outage(down *atomic.Bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if down.Load() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, handler.NewErrorResponse("service unavailable"))
			return
		}
		c.Next()
	}
}
