package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/promptarena/arena/pkg/models"
)

// createRunHandler handles POST /api/v1/runs. The run is created in pending
// status; documents attach afterwards and /start queues it.
func (s *Server) createRunHandler(c *gin.Context) {
	var req models.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	run, err := s.deps.Runs.Create(c.Request.Context(), tenantID(c), extractAuthor(c), &req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// listRunsHandler handles GET /api/v1/runs.
func (s *Server) listRunsHandler(c *gin.Context) {
	filters := models.RunFilters{
		Status:    c.Query("status"),
		ProjectID: c.Query("project_id"),
		OrderBy:   c.Query("order_by"),
	}
	if v := c.Query("tags"); v != "" {
		filters.Tags = strings.Split(v, ",")
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		filters.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return
		}
		filters.Offset = n
	}

	result, err := s.deps.Runs.List(c.Request.Context(), tenantID(c), filters)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *gin.Context) {
	run, err := s.deps.Runs.Get(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// updateRunHandler handles PATCH /api/v1/runs/:id. Only summary is mutable
// once the run is terminal.
func (s *Server) updateRunHandler(c *gin.Context) {
	var req models.UpdateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	run, err := s.deps.Runs.Update(c.Request.Context(), tenantID(c), c.Param("id"), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// deleteRunHandler handles DELETE /api/v1/runs/:id. Deletion is soft: the run
// is cancelled and retained for the retention sweeper.
func (s *Server) deleteRunHandler(c *gin.Context) {
	if err := s.deps.Runs.Delete(c.Request.Context(), tenantID(c), c.Param("id")); err != nil {
		mapServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// startRunHandler handles POST /api/v1/runs/:id/start. Queues the pending run
// for pickup by the worker pool and returns immediately.
func (s *Server) startRunHandler(c *gin.Context) {
	run, err := s.deps.Runs.Start(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, &RunActionResponse{
		RunID:   run.RunID,
		Status:  run.Status,
		Message: "run queued for execution",
	})
}

// cancelRunHandler handles POST /api/v1/runs/:id/cancel. Terminal runs are a
// no-op; queued and pending runs cancel immediately; running runs get the
// cooperative cancel flag plus a context cancellation on the executing pod.
func (s *Server) cancelRunHandler(c *gin.Context) {
	run, err := s.deps.Runs.Cancel(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &RunActionResponse{
		RunID:   run.RunID,
		Status:  run.Status,
		Message: "run cancellation requested",
	})
}

// listTasksHandler handles GET /api/v1/runs/:id/tasks. Per-task error
// messages surface here.
func (s *Server) listTasksHandler(c *gin.Context) {
	result, err := s.deps.Runs.Tasks(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// listArtifactsHandler handles GET /api/v1/runs/:id/artifacts.
func (s *Server) listArtifactsHandler(c *gin.Context) {
	result, err := s.deps.Runs.Artifacts(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
