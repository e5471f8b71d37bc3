package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// evalStatusHandler handles GET /api/v1/runs/:id/evaluate/status. Reports
// scheduled/succeeded/failed/pending counts for each evaluation phase.
func (s *Server) evalStatusHandler(c *gin.Context) {
	status, err := s.deps.Evals.Status(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// evalResultsHandler handles GET /api/v1/runs/:id/evaluate/results. Rankings
// sort by Elo rating by default; ?sort_by=score ranks by mean rubric score.
func (s *Server) evalResultsHandler(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := s.deps.Evals.Results(c.Request.Context(), tenantID(c), c.Param("id"), limit, c.Query("sort_by"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}
