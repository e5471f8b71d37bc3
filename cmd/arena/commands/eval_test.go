package commands

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/models"
)

func runWithConfig(cfg string) *models.RunResponse {
	return &models.RunResponse{
		Run: &models.Run{
			RunID: "r-alpha", ProjectID: "proj-a",
			Status: models.RunStatusPending,
			Config: json.RawMessage(cfg),
		},
	}
}

func TestEvalStartRejectsRunWithoutEval(t *testing.T) {
	var started atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs/r-alpha", func(w http.ResponseWriter, _ *http.Request) {
		writeStubJSON(w, http.StatusOK, runWithConfig(
			`{"generators":[{"kind":"fpf","provider":"openai","model":"gpt-4o","iterations":1}],"iterations_default":1}`))
	})
	mux.HandleFunc("POST /api/v1/runs/r-alpha/start", func(w http.ResponseWriter, _ *http.Request) {
		started.Add(1)
		writeStubJSON(w, http.StatusOK, map[string]any{"run_id": "r-alpha", "status": "queued"})
	})
	srv := stubServer(t, mux)
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "eval", "start", "r-alpha")
	assert.Equal(t, exitError, res.code)
	assert.ErrorContains(t, res.err, "eval.judges")
	assert.Equal(t, int32(0), started.Load(), "start must not be called")
}

func TestEvalStartQueuesConfiguredRun(t *testing.T) {
	var started atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs/r-alpha", func(w http.ResponseWriter, _ *http.Request) {
		writeStubJSON(w, http.StatusOK, runWithConfig(
			`{"iterations_default":1,"eval":{"auto_run":true,"iterations":1,"mode":"both","pairwise_strategy":"round-robin","judges":[{"provider":"openai","model":"gpt-4o"}]}}`))
	})
	mux.HandleFunc("POST /api/v1/runs/r-alpha/start", func(w http.ResponseWriter, _ *http.Request) {
		started.Add(1)
		writeStubJSON(w, http.StatusOK, map[string]any{
			"run_id": "r-alpha", "status": "queued", "message": "run queued",
		})
	})
	srv := stubServer(t, mux)
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "eval", "start", "r-alpha")
	require.Equal(t, exitOK, res.code, "err: %v", res.err)
	assert.Equal(t, int32(1), started.Load())
	assert.Contains(t, res.stdout, "queued")
}

func TestEvalStatusTable(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/r-alpha/evaluate/status", r.URL.Path)
		writeStubJSON(w, http.StatusOK, &models.EvalStatusResponse{
			RunID:     "r-alpha",
			RunStatus: models.RunStatusRunning,
			Phases: []models.EvalPhaseProgress{
				{Phase: models.PhaseSingleEval, Scheduled: 6, Succeeded: 4, Failed: 1, Pending: 1},
				{Phase: models.PhasePairwiseEval, Scheduled: 3, Pending: 3},
			},
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "eval", "status", "r-alpha")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "single_eval")
	assert.Contains(t, res.stdout, "pairwise_eval")
	assert.Contains(t, res.stderr, "run r-alpha is running")
}

func TestEvalResultsTable(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/r-alpha/evaluate/results", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "score", r.URL.Query().Get("sort_by"))
		writeStubJSON(w, http.StatusOK, &models.EvalResultsResponse{
			RunID:  "r-alpha",
			SortBy: "score",
			Rankings: []*models.RankingEntry{
				{Rank: 1, ArtifactID: "a-2", Generator: "research", ModelID: "openai/o3", Rating: 1536.2, GamesPlayed: 4, MeanScore: 8.75, CostUSD: 0.21},
				{Rank: 2, ArtifactID: "a-1", Generator: "fpf", ModelID: "openai/gpt-4o", Rating: 1463.8, GamesPlayed: 4, MeanScore: 7.5, CostUSD: 0.04},
			},
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "eval", "results", "r-alpha", "--limit", "5", "--sort-by", "score")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "a-2")
	assert.Contains(t, res.stdout, "1536.2")
	assert.Contains(t, res.stdout, "8.75")
}

func TestEvalResultsPlainFormat(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeStubJSON(w, http.StatusOK, &models.EvalResultsResponse{
			RunID:  "r-alpha",
			SortBy: "rating",
			Rankings: []*models.RankingEntry{
				{Rank: 1, ArtifactID: "a-1", Generator: "fpf", ModelID: "openai/gpt-4o", Rating: 1500, GamesPlayed: 2, MeanScore: 8, CostUSD: 0.01},
			},
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "eval", "results", "r-alpha", "--format", "plain")
	require.Equal(t, exitOK, res.code)
	assert.Equal(t, "1\ta-1\tfpf\topenai/gpt-4o\t1500.0\t2\t8.00\t$0.0100\n", res.stdout)
}

func TestEvalCancel(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/runs/r-alpha/cancel", r.URL.Path)
		writeStubJSON(w, http.StatusAccepted, map[string]any{
			"run_id": "r-alpha", "status": "running", "message": "cancellation requested",
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "eval", "cancel", "r-alpha")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "r-alpha")
}
