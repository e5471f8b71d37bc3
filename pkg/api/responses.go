package api

import (
	"github.com/promptarena/arena/pkg/database"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/pipeline"
	"github.com/promptarena/arena/pkg/ratelimit"
	"github.com/promptarena/arena/pkg/services"
)

// RunActionResponse is returned by POST /runs/:id/start and /runs/:id/cancel.
type RunActionResponse struct {
	RunID   string           `json:"run_id"`
	Status  models.RunStatus `json:"status"`
	Message string           `json:"message"`
}

// DocumentListResponse is returned by GET /runs/:id/documents.
type DocumentListResponse struct {
	Documents  []*models.AttachedDocument `json:"documents"`
	TotalCount int                        `json:"total_count"`
}

// KeyResponse is returned by PUT /keys/:provider.
type KeyResponse struct {
	Provider string `json:"provider"`
	Message  string `json:"message"`
}

// KeyListResponse is returned by GET /keys. Key material never appears here.
type KeyListResponse struct {
	Keys []*models.ProviderKeyInfo `json:"keys"`
}

// RateLimitStatusResponse is returned by GET /rate-limits/status.
type RateLimitStatusResponse struct {
	Buckets []ratelimit.BucketStatus `json:"buckets"`
}

// HealthCheck is one component's health verdict.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string                    `json:"status"`
	Version    string                    `json:"version"`
	Database   *database.HealthStatus    `json:"database,omitempty"`
	WorkerPool *pipeline.PoolHealth      `json:"worker_pool,omitempty"`
	Checks     map[string]HealthCheck    `json:"checks"`
	Warnings   []*services.SystemWarning `json:"warnings,omitempty"`
}
