package commands

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/api"
	"github.com/promptarena/arena/pkg/pipeline"
	"github.com/promptarena/arena/pkg/ratelimit"
	"github.com/promptarena/arena/pkg/services"
)

func TestStatusHealthy(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeStubJSON(w, http.StatusOK, &api.HealthResponse{
			Status:  "healthy",
			Version: "arena v1.2.3",
			Checks: map[string]api.HealthCheck{
				"database": {Status: "healthy"},
				"storage":  {Status: "healthy"},
			},
			WorkerPool: &pipeline.PoolHealth{
				IsHealthy: true, DBReachable: true,
				ActiveWorkers: 2, TotalWorkers: 4, QueueDepth: 1, RunningRuns: 2,
			},
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "status")
	require.Equal(t, exitOK, res.code, "err: %v", res.err)
	assert.Contains(t, res.stdout, "healthy")
	assert.Contains(t, res.stdout, "arena v1.2.3")
	assert.Contains(t, res.stdout, "2/4 active, 1 queued, 2 running")
}

func TestStatusRendersWarnings(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeStubJSON(w, http.StatusOK, &api.HealthResponse{
			Status:  "healthy",
			Version: "arena v1.2.3",
			Checks: map[string]api.HealthCheck{
				"database": {Status: "healthy"},
			},
			Warnings: []*services.SystemWarning{
				{Category: "retention", Source: "sweeper", Message: "retention sweep failed"},
			},
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "status")
	require.Equal(t, exitOK, res.code, "warnings must not fail the probe")
	assert.Contains(t, res.stdout, "retention/sweeper: retention sweep failed")
}

func TestStatusUnhealthyExitsNonzero(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeStubJSON(w, http.StatusServiceUnavailable, &api.HealthResponse{
			Status:  "unhealthy",
			Version: "arena v1.2.3",
			Checks: map[string]api.HealthCheck{
				"database": {Status: "unhealthy", Message: "connection refused"},
			},
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "status")
	assert.Equal(t, exitError, res.code)
	assert.ErrorContains(t, res.err, "server is unhealthy")
	assert.Contains(t, res.stdout, "connection refused")
}

func TestStatusLimitsTable(t *testing.T) {
	srv := stubServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/rate-limits/status", r.URL.Path)
		writeStubJSON(w, http.StatusOK, &api.RateLimitStatusResponse{
			Buckets: []ratelimit.BucketStatus{
				{
					Provider: "openai", Model: "gpt-4o",
					RPMLimit: 60, RPMRemaining: 58,
					TPMLimit: 100000, TPMRemaining: 94500,
					InFlight: 2, Waiters: 0,
				},
			},
		})
	}))
	setTestEnv(t, srv.URL)

	res := runCLI(t, nil, "status", "limits")
	require.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "openai")
	assert.Contains(t, res.stdout, "58/60")
	assert.Contains(t, res.stdout, "94500/100000")
}
