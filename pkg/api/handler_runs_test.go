package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/services"
)

func TestCreateRunEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/v1/runs", createRunBody())
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var run models.Run
	decodeJSON(t, rec, &run)
	assert.Len(t, run.RunID, 26)
	assert.Equal(t, "tenant-a", run.TenantID)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Equal(t, models.DefaultPriority, run.Priority)
	assert.Equal(t, "api-client", run.RequestedBy)
}

func TestCreateRunForwardedUser(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.doWithHeaders(t, "POST", "/api/v1/runs", createRunBody(), map[string]string{
		"X-API-Key":        testAPIKey,
		"X-Forwarded-User": "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var run models.Run
	decodeJSON(t, rec, &run)
	assert.Equal(t, "alice", run.RequestedBy)
}

func TestCreateRunValidation(t *testing.T) {
	ts := newTestServer(t)

	t.Run("malformed json", func(t *testing.T) {
		rec := ts.do(t, "POST", "/api/v1/runs", `{"project_id":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, services.CodeValidation, errorType(t, rec))
	})

	t.Run("missing project_id", func(t *testing.T) {
		body := createRunBody()
		delete(body, "project_id")
		rec := ts.do(t, "POST", "/api/v1/runs", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp ErrorResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, services.CodeValidation, resp.ErrorType)
		assert.Equal(t, "project_id", resp.Details["field"])
	})

	t.Run("unknown config key", func(t *testing.T) {
		body := createRunBody()
		body["config"] = map[string]any{"generatorz": []any{}}
		rec := ts.do(t, "POST", "/api/v1/runs", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, services.CodeValidation, errorType(t, rec))
	})

	t.Run("priority out of range", func(t *testing.T) {
		body := createRunBody()
		body["priority"] = 12
		rec := ts.do(t, "POST", "/api/v1/runs", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetRunEndpoint(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "GET", "/api/v1/runs/"+run.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.RunResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, run.RunID, resp.RunID)
	require.NotNil(t, resp.StatusSummary, "status summary rides along on single-run fetch")
	assert.Equal(t, 0, resp.StatusSummary.Artifacts)
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/api/v1/runs/01JUNKJUNKJUNKJUNKJUNKJUNK", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, services.CodeRunNotFound, errorType(t, rec))
}

func TestListRunsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	mustCreateRun(t, ts)
	mustCreateRun(t, ts)

	rec := ts.do(t, "GET", "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.RunListResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 2, resp.TotalCount)
	assert.Len(t, resp.Runs, 2)

	t.Run("status filter", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/runs?status=pending", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decodeJSON(t, rec, &resp)
		assert.Equal(t, 2, resp.TotalCount)

		rec = ts.do(t, "GET", "/api/v1/runs?status=running", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decodeJSON(t, rec, &resp)
		assert.Equal(t, 0, resp.TotalCount)
	})

	t.Run("invalid status", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/runs?status=bogus", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid limit", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/runs?limit=abc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = ts.do(t, "GET", "/api/v1/runs?limit=-1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("pagination", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/runs?limit=1&offset=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decodeJSON(t, rec, &resp)
		assert.Equal(t, 2, resp.TotalCount)
		assert.Len(t, resp.Runs, 1)
	})

	t.Run("tenant isolation", func(t *testing.T) {
		rec := ts.doAs(t, "tenant-b", "GET", "/api/v1/runs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decodeJSON(t, rec, &resp)
		assert.Equal(t, 0, resp.TotalCount)
	})
}

func TestUpdateRunEndpoint(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "PATCH", "/api/v1/runs/"+run.RunID, map[string]any{
		"title":    "relabeled",
		"priority": 8,
	})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var updated models.Run
	decodeJSON(t, rec, &updated)
	assert.Equal(t, "relabeled", updated.Title)
	assert.Equal(t, 8, updated.Priority)
}

func TestUpdateTerminalRun(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("title is frozen", func(t *testing.T) {
		rec := ts.do(t, "PATCH", "/api/v1/runs/"+run.RunID, map[string]any{"title": "late edit"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, services.CodeRunAlreadyTerminal, errorType(t, rec))
	})

	t.Run("summary stays editable", func(t *testing.T) {
		rec := ts.do(t, "PATCH", "/api/v1/runs/"+run.RunID, map[string]any{"summary": "cancelled by reviewer"})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		var updated models.Run
		decodeJSON(t, rec, &updated)
		assert.Equal(t, "cancelled by reviewer", updated.Summary)
	})
}

func TestStartRunEndpoint(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	var resp RunActionResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, run.RunID, resp.RunID)
	assert.Equal(t, models.RunStatusQueued, resp.Status)
	assert.Equal(t, "run queued for execution", resp.Message)

	t.Run("second start conflicts", func(t *testing.T) {
		rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/start", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)

		var resp ErrorResponse
		decodeJSON(t, rec, &resp)
		assert.Equal(t, services.CodeInvalidStatusTransition, resp.ErrorType)
		assert.Equal(t, "queued", resp.Details["from"])
	})
}

func TestCancelRunEndpoint(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RunActionResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, models.RunStatusCancelled, resp.Status)

	t.Run("cancel is idempotent", func(t *testing.T) {
		rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/cancel", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestDeleteRunEndpoint(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "DELETE", "/api/v1/runs/"+run.RunID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Soft delete: the run remains readable, now cancelled.
	rec = ts.do(t, "GET", "/api/v1/runs/"+run.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.RunResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, models.RunStatusCancelled, resp.Status)
}

func TestListTasksAndArtifactsEmpty(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "GET", "/api/v1/runs/"+run.RunID+"/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks models.TaskListResponse
	decodeJSON(t, rec, &tasks)
	assert.Equal(t, 0, tasks.TotalCount)

	rec = ts.do(t, "GET", "/api/v1/runs/"+run.RunID+"/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var artifacts models.ArtifactListResponse
	decodeJSON(t, rec, &artifacts)
	assert.Equal(t, 0, artifacts.TotalCount)
	assert.Zero(t, artifacts.TotalCost)

	t.Run("unknown run", func(t *testing.T) {
		rec := ts.do(t, "GET", "/api/v1/runs/01JUNKJUNKJUNKJUNKJUNKJUNK/tasks", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
