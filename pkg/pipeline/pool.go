package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
)

// Pool manages the run workers and the cancel registry for in-flight runs.
type Pool struct {
	store    *store.Store
	cfg      config.PoolConfig
	executor RunExecutor
	metrics  *Metrics
	workers  []*Worker

	// Run cancel registry: run_id → cancel function
	mu         sync.RWMutex
	activeRuns map[string]context.CancelFunc
	started    bool
}

// NewPool creates a worker pool over the store and executor.
func NewPool(st *store.Store, executor RunExecutor, cfg config.PoolConfig, metrics *Metrics) *Pool {
	return &Pool{
		store:      st,
		cfg:        cfg,
		executor:   executor,
		metrics:    metrics,
		workers:    make([]*Worker, 0, cfg.Workers),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines. Safe to call more than once;
// subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "worker_count", p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := NewWorker(fmt.Sprintf("worker-%d", i), p.store, p.executor, p, p.cfg.PollInterval, p.metrics)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}
	slog.Info("Worker pool started")
}

// Stop signals all workers to stop and waits for them to finish their
// current runs.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeRunIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active runs to complete",
			"count", len(active), "run_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}
	slog.Info("Worker pool stopped gracefully")
}

// RegisterRun stores a cancel function for API-triggered cancellation.
func (p *Pool) RegisterRun(runID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[runID] = cancel
}

// UnregisterRun removes the cancel function when processing ends.
func (p *Pool) UnregisterRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, runID)
}

// CancelRun triggers context cancellation for a run executing on this
// process. Returns true when the run was found and cancelled here.
func (p *Pool) CancelRun(runID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeRuns[runID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the pool's health snapshot. Queue depth and running count
// come from the store; a failing store marks the pool unhealthy.
func (p *Pool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.store.Runs.CountWithStatus(ctx, models.RunStatusQueued)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check", "error", errQ)
	}
	runningRuns, errR := p.store.Runs.CountWithStatus(ctx, models.RunStatusRunning)
	if errR != nil {
		slog.Error("Failed to query running runs for health check", "error", errR)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil && errR == nil
	var dbError string
	if errQ != nil {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	} else if errR != nil {
		dbError = fmt.Sprintf("running runs query failed: %v", errR)
	}

	return &PoolHealth{
		IsHealthy:     len(p.workers) > 0 && dbHealthy,
		DBReachable:   dbHealthy,
		DBError:       dbError,
		ActiveWorkers: activeWorkers,
		TotalWorkers:  len(p.workers),
		QueueDepth:    queueDepth,
		RunningRuns:   runningRuns,
		WorkerStats:   workerStats,
	}
}

// activeRunIDs lists the runs currently registered for cancellation.
func (p *Pool) activeRunIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeRuns))
	for id := range p.activeRuns {
		ids = append(ids, id)
	}
	return ids
}
