// Package pipeline executes runs: a worker pool claims queued runs and drives
// each one through the fixed phase DAG (generation, single-doc evaluation,
// pairwise evaluation, combine, post-combine evaluation), fanning phase tasks
// out to bounded per-phase workers behind the shared rate limiter.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/promptarena/arena/pkg/models"
)

// Sentinel errors for pool operations.
var (
	// ErrNoRunsAvailable indicates no queued runs are waiting.
	ErrNoRunsAvailable = errors.New("no runs available")
)

// errBudgetExceeded aborts a phase when the run's accumulated cost reaches
// the frozen budget_usd cap. Never retried.
var errBudgetExceeded = errors.New("run budget exceeded")

// RunExecutor drives one claimed run through its phases.
//
// The executor owns the ENTIRE run lifecycle internally: it schedules each
// enabled phase in order, persists tasks, artifacts, evaluation rows, and
// timeline events progressively, and stops at the first phase whose failure
// threshold is crossed. The worker only handles claiming, cancellation
// plumbing, and the terminal status write.
type RunExecutor interface {
	Execute(ctx context.Context, run *models.Run) *ExecutionResult
}

// ExecutionResult is just the terminal state. All intermediate state was
// already written by the executor during processing.
type ExecutionResult struct {
	Status  models.RunStatus // completed, failed, cancelled
	Summary string           // one-line reason, recorded on the run
	Err     error            // underlying error (if failed/cancelled)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	DBReachable   bool           `json:"db_reachable"`
	DBError       string         `json:"db_error,omitempty"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	QueueDepth    int            `json:"queue_depth"`
	RunningRuns   int            `json:"running_runs"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentRunID  string    `json:"current_run_id,omitempty"`
	RunsProcessed int       `json:"runs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
