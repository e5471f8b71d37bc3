package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// rateLimitStatusHandler handles GET /api/v1/rate-limits/status. Snapshots
// every live bucket: window limits, remaining capacity, waiters, in-flight.
func (s *Server) rateLimitStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, &RateLimitStatusResponse{
		Buckets: s.deps.Limiter.Status(),
	})
}
