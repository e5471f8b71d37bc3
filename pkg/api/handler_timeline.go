package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// timelineHandler handles GET /api/v1/runs/:id/timeline. Events return in
// chronological order; ?limit caps the count.
func (s *Server) timelineHandler(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	timeline, err := s.deps.Events.Timeline(c.Request.Context(), tenantID(c), c.Param("id"), limit)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, timeline)
}
