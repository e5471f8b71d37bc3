package commands

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/models"
)

func listResponse(runs ...*models.Run) *models.RunListResponse {
	return &models.RunListResponse{Runs: runs, TotalCount: len(runs), Limit: 50}
}

func TestRunsListTable(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs", r.URL.Path)
		writeStubJSON(w, http.StatusOK, listResponse(
			&models.Run{RunID: "r-alpha", ProjectID: "proj-a", Status: models.RunStatusRunning, Priority: 5},
			&models.Run{RunID: "r-beta", ProjectID: "proj-a", Status: models.RunStatusCompleted, Priority: 7, Tags: []string{"nightly"}},
		))
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "list")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "RUN")
	assert.Contains(t, res.stdout, "r-alpha")
	assert.Contains(t, res.stdout, "r-beta")
	assert.Contains(t, res.stdout, "nightly")
	assert.Contains(t, res.stderr, "2 of 2 runs")
}

func TestRunsListPlain(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeStubJSON(w, http.StatusOK, listResponse(
			&models.Run{RunID: "r-alpha", ProjectID: "proj-a", Status: models.RunStatusQueued, Priority: 5},
		))
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "list", "--format", "plain")
	require.Equal(t, exitOK, res.code)
	assert.Equal(t, "r-alpha\tproj-a\tqueued\t5\t-\t-\t-\n", res.stdout)
	assert.Empty(t, res.stderr)
}

func TestRunsListJSON(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeStubJSON(w, http.StatusOK, listResponse(
			&models.Run{RunID: "r-alpha", ProjectID: "proj-a", Status: models.RunStatusQueued},
		))
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "list", "--format", "json")
	require.Equal(t, exitOK, res.code)

	var decoded models.RunListResponse
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &decoded))
	require.Len(t, decoded.Runs, 1)
	assert.Equal(t, "r-alpha", decoded.Runs[0].RunID)
}

func TestRunsListForwardsFilters(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "running", q.Get("status"))
		assert.Equal(t, "proj-a", q.Get("project_id"))
		assert.Equal(t, "nightly,gpt", q.Get("tags"))
		assert.Equal(t, "priority", q.Get("order_by"))
		assert.Equal(t, "10", q.Get("limit"))
		writeStubJSON(w, http.StatusOK, listResponse())
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "list",
		"--status", "running", "--project", "proj-a",
		"--tag", "nightly", "--tag", "gpt",
		"--order-by", "priority", "--limit", "10")
	require.Equal(t, exitOK, res.code)
}

func TestRunsCreateFromYAML(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		var req models.CreateRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "proj-a", req.ProjectID)
		assert.Equal(t, "Nightly docs", req.Title)
		assert.Equal(t, []string{"nightly"}, req.Tags)
		if assert.NotNil(t, req.Priority) {
			assert.Equal(t, 7, *req.Priority)
		}

		var cfg map[string]any
		if err := json.Unmarshal(req.Config, &cfg); !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, float64(2), cfg["iterations_default"])
		gens, ok := cfg["generators"].([]any)
		if assert.True(t, ok) {
			assert.Len(t, gens, 1)
		}

		writeStubJSON(w, http.StatusCreated, &models.Run{
			RunID: "r-new", ProjectID: "proj-a", Status: models.RunStatusPending,
		})
	})
	srv := stubServer(t, mux)
	setTestEnv(t, srv.URL)

	cfgFile := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
iterations_default: 2
generators:
  - kind: fpf
    provider: openai
    model: gpt-4o
`), 0o600))

	res := runCLI(t, nil, "runs", "create",
		"--project", "proj-a", "--title", "Nightly docs",
		"--tag", "nightly", "--priority", "7",
		"--config", cfgFile)
	require.Equal(t, exitOK, res.code, "stderr: %s", res.stderr)
	assert.Contains(t, res.stdout, "r-new")
	assert.Contains(t, res.stdout, "pending")
}

func TestRunsCreateFromStdin(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.CreateRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var cfg map[string]any
		if err := json.Unmarshal(req.Config, &cfg); !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Contains(t, cfg, "generators")
		writeStubJSON(w, http.StatusCreated, &models.Run{RunID: "r-stdin", Status: models.RunStatusPending})
	}))
	setTestEnv(t, srv.URL)

	stdin := strings.NewReader("generators:\n  - kind: research\n    provider: openai\n    model: o3\n")
	res := runCLI(t, stdin, "runs", "create", "--project", "proj-a", "--config", "-")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "r-stdin")
}

func TestRunsCreateStartsWhenAsked(t *testing.T) {
	var started atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, _ *http.Request) {
		writeStubJSON(w, http.StatusCreated, &models.Run{RunID: "r-go", Status: models.RunStatusPending})
	})
	mux.HandleFunc("POST /api/v1/runs/r-go/start", func(w http.ResponseWriter, _ *http.Request) {
		started.Add(1)
		writeStubJSON(w, http.StatusOK, map[string]any{
			"run_id": "r-go", "status": "queued", "message": "run queued",
		})
	})
	srv := stubServer(t, mux)
	setTestEnv(t, srv.URL)

	cfgFile := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("generators: []\n"), 0o600))

	res := runCLI(t, nil, "runs", "create", "--project", "p", "--config", cfgFile, "--start")
	require.Equal(t, exitOK, res.code)
	assert.Equal(t, int32(1), started.Load())
	assert.Contains(t, res.stdout, "queued")
}

func TestRunsCreateRequiredFlags(t *testing.T) {
	setTestEnv(t, "")

	res := runCLI(t, nil, "runs", "create", "--config", "x.yaml")
	assert.Equal(t, exitUsage, res.code)
	assert.ErrorContains(t, res.err, "--project")

	res = runCLI(t, nil, "runs", "create", "--project", "p")
	assert.Equal(t, exitUsage, res.code)
	assert.ErrorContains(t, res.err, "--config")
}

func TestRunsGetRendersSummary(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/r-alpha", r.URL.Path)
		writeStubJSON(w, http.StatusOK, &models.RunResponse{
			Run: &models.Run{
				RunID: "r-alpha", ProjectID: "proj-a", Status: models.RunStatusRunning,
				Priority: 5, StartedAt: &started,
			},
			StatusSummary: &models.RunStatusSummary{
				Documents: map[models.RunDocumentStatus]int{models.DocStatusCompleted: 2},
				Tasks: map[models.TaskStatus]int{
					models.TaskStatusSucceeded: 3,
					models.TaskStatusRunning:   1,
				},
				Artifacts: 3,
			},
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "get", "r-alpha")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "r-alpha")
	assert.Contains(t, res.stdout, "running")
	assert.Contains(t, res.stdout, "completed=2")
	assert.Contains(t, res.stdout, "succeeded=3")
	assert.Contains(t, res.stdout, "running=1")
}

func TestRunsStartConflict(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeStubJSON(w, http.StatusConflict, map[string]any{
			"error_type":    "INVALID_STATUS_TRANSITION",
			"error_message": "cannot start a running run",
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "start", "r-alpha")
	assert.Equal(t, exitError, res.code)
	assert.ErrorContains(t, res.err, "INVALID_STATUS_TRANSITION")
}

func TestRunsCancelOutput(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/r-alpha/cancel", r.URL.Path)
		writeStubJSON(w, http.StatusAccepted, map[string]any{
			"run_id": "r-alpha", "status": "running", "message": "cancellation requested",
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "cancel", "r-alpha")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "r-alpha")
}

func TestRunsDelete(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "delete", "r-alpha")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "r-alpha deleted")
}

func TestRunsWatchExitStatus(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeStubJSON(w, http.StatusOK, &models.RunResponse{
			Run: &models.Run{RunID: "r-alpha", Status: models.RunStatusFailed},
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "watch", "r-alpha", "--interval", "1ms", "--exit-status")
	assert.Equal(t, exitError, res.code)
	assert.ErrorContains(t, res.err, "finished failed")
	assert.Contains(t, res.stdout, "failed")
	assert.Contains(t, res.stderr, "r-alpha")

	// Without --exit-status a failed run still exits zero.
	res = runCLI(t, nil, "runs", "watch", "r-alpha", "--interval", "1ms")
	assert.Equal(t, exitOK, res.code)
}

func TestRunsTasksTable(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/r-alpha/tasks", r.URL.Path)
		writeStubJSON(w, http.StatusOK, &models.TaskListResponse{
			Tasks: []*models.Task{
				{TaskID: "t-1", Kind: models.TaskGenerateFPF, Status: models.TaskStatusSucceeded, Attempts: 1},
				{TaskID: "t-2", Kind: models.TaskSingleEval, Status: models.TaskStatusFailed, Attempts: 2, LastError: "judge returned malformed JSON"},
			},
			TotalCount: 2,
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "tasks", "r-alpha")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "t-1")
	assert.Contains(t, res.stdout, "malformed JSON")
}

func TestRunsArtifactsTotals(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeStubJSON(w, http.StatusOK, &models.ArtifactListResponse{
			Artifacts: []*models.Artifact{
				{ArtifactID: "a-1", Generator: "fpf", ModelID: "openai/gpt-4o", DocumentID: "d-1", TokenCount: 1200, CostUSD: 0.0375},
			},
			TotalCount: 1,
			TotalCost:  0.0375,
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "artifacts", "r-alpha")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "a-1")
	assert.Contains(t, res.stdout, "$0.0375")
	assert.Contains(t, res.stderr, "1 artifacts, total $0.0375")
}

func TestRunsTimeline(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		writeStubJSON(w, http.StatusOK, &models.TimelineResponse{
			RunID: "r-alpha",
			Events: []*models.RunEvent{
				{EventID: "e-1", RunID: "r-alpha", EventType: "run_started", Message: "dispatched by worker-2"},
			},
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "runs", "timeline", "r-alpha", "--limit", "25")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "run_started")
	assert.Contains(t, res.stdout, "dispatched by worker-2")
}
