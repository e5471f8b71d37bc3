package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
)

// WorkerStatus is the current state of a pool worker.
type WorkerStatus string

// Worker status values.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// cancelPollInterval is how often a worker re-reads the run's
// cancel_requested flag while executing it.
const cancelPollInterval = 2 * time.Second

// RunRegistry is the subset of Pool a Worker uses for run registration.
type RunRegistry interface {
	RegisterRun(runID string, cancel context.CancelFunc)
	UnregisterRun(runID string)
}

// Worker polls for queued runs and drives them through the executor.
type Worker struct {
	id           string
	store        *store.Store
	executor     RunExecutor
	pool         RunRegistry
	metrics      *Metrics
	pollInterval time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentRunID  string
	runsProcessed int
	lastActivity  time.Time
}

// NewWorker creates one pool worker.
func NewWorker(id string, st *store.Store, executor RunExecutor, pool RunRegistry, pollInterval time.Duration, metrics *Metrics) *Worker {
	return &Worker{
		id:           id,
		store:        st,
		executor:     executor,
		pool:         pool,
		metrics:      metrics,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its current
// run. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the worker's health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentRunID:  w.currentRunID,
		RunsProcessed: w.runsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoRunsAvailable) {
					w.sleep(w.jitteredPoll())
					continue
				}
				log.Error("Error processing run", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// jitteredPoll spreads the poll interval over [3/4·base, 5/4·base] so
// workers do not hit the queue in lockstep.
func (w *Worker) jitteredPoll() time.Duration {
	jitter := w.pollInterval / 4
	if jitter <= 0 {
		return w.pollInterval
	}
	return w.pollInterval - jitter + time.Duration(rand.Int64N(int64(2*jitter)))
}

// pollAndProcess claims one queued run and executes it to a terminal state.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Claim the highest-priority queued run.
	run, err := w.claimNextRun(ctx)
	if err != nil {
		return err
	}

	log := slog.With("run_id", run.RunID, "worker_id", w.id)
	log.Info("Run claimed", "tenant_id", run.TenantID, "priority", run.Priority)

	w.setStatus(WorkerStatusWorking, run.RunID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 2. Run context: cancelled by the registry (API cancel on this
	//    process) or by the flag watcher (cancel recorded in the store).
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	w.pool.RegisterRun(run.RunID, cancelRun)
	defer w.pool.UnregisterRun(run.RunID)

	watchCtx, stopWatch := context.WithCancel(runCtx)
	defer stopWatch()
	go w.watchCancelRequested(watchCtx, run.RunID, cancelRun)

	// 3. Execute. The executor owns every phase internally and writes
	//    progress as it goes; only the terminal write remains.
	result := w.executor.Execute(runCtx, run)

	// 4. Nil-guard: synthesize a safe result if the executor returned none.
	if result == nil {
		if runCtx.Err() != nil {
			result = &ExecutionResult{Status: models.RunStatusCancelled, Summary: "cancelled"}
		} else {
			result = &ExecutionResult{
				Status:  models.RunStatusFailed,
				Summary: "executor returned no result",
				Err:     fmt.Errorf("executor returned nil result"),
			}
		}
	}

	// 5. An empty status means the executor bailed without classifying;
	//    fall back on the run context.
	if result.Status == "" {
		if runCtx.Err() != nil {
			result.Status, result.Summary = models.RunStatusCancelled, "cancelled"
		} else {
			result.Status = models.RunStatusFailed
		}
	}

	stopWatch()

	// 6. Terminal write on a background context; the run context may
	//    already be cancelled.
	if err := w.finalizeRun(run, result); err != nil {
		log.Error("Failed to finalize run", "error", err)
		return err
	}

	w.mu.Lock()
	w.runsProcessed++
	w.mu.Unlock()

	log.Info("Run processing complete", "status", result.Status)
	return nil
}

// claimNextRun claims the next queued run under FOR UPDATE SKIP LOCKED and
// transitions it to running in the same transaction.
func (w *Worker) claimNextRun(ctx context.Context) (*models.Run, error) {
	var claimed *models.Run
	err := w.store.WithTx(ctx, func(tx *store.Store) error {
		run, err := tx.Runs.ClaimQueued(ctx)
		if err != nil {
			return fmt.Errorf("query queued runs: %w", err)
		}
		if run == nil {
			return ErrNoRunsAvailable
		}
		ok, err := tx.Runs.Transition(ctx, run.RunID, models.RunStatusQueued, models.RunStatusRunning)
		if err != nil {
			return fmt.Errorf("claim run %s: %w", run.RunID, err)
		}
		if !ok {
			return fmt.Errorf("run %s left queued during claim", run.RunID)
		}
		run.Status = models.RunStatusRunning
		claimed = run
		return nil
	})
	if err != nil {
		return nil, err
	}

	appendRunEvent(w.store, claimed.RunID, models.EventRunStarted,
		"run claimed by worker", map[string]any{"worker_id": w.id})
	return claimed, nil
}

// watchCancelRequested polls the run's cancel flag and cancels the run
// context when it is set. Covers cancels that raced the registry handoff or
// arrived through another process.
func (w *Worker) watchCancelRequested(ctx context.Context, runID string, cancelRun context.CancelFunc) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := w.store.Runs.CancelRequested(ctx, runID)
			if err != nil {
				slog.Warn("Cancel flag check failed", "run_id", runID, "error", err)
				continue
			}
			if requested {
				slog.Info("Cancel requested, stopping run", "run_id", runID)
				cancelRun()
				return
			}
		}
	}
}

// finalizeRun persists the terminal status, summary, timeline event, and
// metrics for a finished run.
func (w *Worker) finalizeRun(run *models.Run, result *ExecutionResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	ok, err := w.store.Runs.Transition(ctx, run.RunID, models.RunStatusRunning, result.Status)
	if err != nil {
		return fmt.Errorf("transition run to %s: %w", result.Status, err)
	}
	if !ok {
		// Something else moved the run out of running; leave its state alone.
		slog.Warn("Run left running before finalization",
			"run_id", run.RunID, "intended_status", result.Status)
		return nil
	}
	if result.Summary != "" {
		if err := w.store.Runs.SetSummary(ctx, run.RunID, result.Summary); err != nil {
			slog.Error("Failed to set run summary", "run_id", run.RunID, "error", err)
		}
	}

	appendRunEvent(w.store, run.RunID, terminalEventType(result.Status),
		result.Summary, w.terminalDetails(ctx, run.RunID, result))
	w.metrics.runFinished(result.Status)
	return nil
}

// terminalDetails aggregates the run's final counts for the terminal event.
func (w *Worker) terminalDetails(ctx context.Context, runID string, result *ExecutionResult) map[string]any {
	details := make(map[string]any)
	if result.Err != nil {
		details["error"] = result.Err.Error()
	}
	if counts, err := w.store.Tasks.CountByStatus(ctx, runID); err == nil && len(counts) > 0 {
		details["tasks"] = counts
	}
	if n, err := w.store.Artifacts.CountByRun(ctx, runID, ""); err == nil && n > 0 {
		details["artifacts"] = n
	}
	if cost, err := w.store.Artifacts.TotalCost(ctx, runID); err == nil && cost > 0 {
		details["total_cost_usd"] = cost
	}
	return details
}

func terminalEventType(status models.RunStatus) string {
	switch status {
	case models.RunStatusCompleted:
		return models.EventRunCompleted
	case models.RunStatusCancelled:
		return models.EventRunCancelled
	default:
		return models.EventRunFailed
	}
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRunID = runID
	w.lastActivity = time.Now()
}
