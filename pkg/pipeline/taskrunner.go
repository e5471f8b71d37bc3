package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/ratelimit"
)

// Task-level retry policy. The HTTP clients already retry transport blips
// internally; this layer catches failures those retries exhausted.
const (
	taskMaxRetries  = 2
	taskBackoffBase = 500 * time.Millisecond
	taskBackoffCap  = 6 * time.Second
)

// terminalWriteTimeout bounds status writes that must land after the run
// context is gone.
const terminalWriteTimeout = 10 * time.Second

// taskFunc performs one task's external work. A nil return marks the task
// succeeded; errBudgetExceeded stops dispatch for the rest of the phase.
type taskFunc func(ctx context.Context, task *models.Task) error

// phaseStats aggregates task outcomes within one phase.
type phaseStats struct {
	Succeeded      int
	Failed         int
	Cancelled      int
	BudgetExceeded bool
	LastError      string
}

// runTasks dispatches a phase's tasks to a bounded worker group. Dispatch is
// FIFO in slice order (sort_order, then task_id); completion order is
// unspecified. Cancellation and budget exhaustion stop dispatch; tasks never
// claimed are swept to cancelled afterwards.
func (s *Scheduler) runTasks(ctx context.Context, runID string, tasks []*models.Task, workers int, fn taskFunc) *phaseStats {
	stats := &phaseStats{}
	if len(tasks) == 0 {
		return stats
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	// dispatchCtx stops the feeder without cancelling calls already in
	// flight: a budget abort lets running tasks finish and record.
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	taskCh := make(chan *models.Task)
	go func() {
		defer close(taskCh)
		for _, task := range tasks {
			select {
			case taskCh <- task:
			case <-dispatchCtx.Done():
				return
			}
		}
	}()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				status, err := s.executeTask(ctx, task, fn)

				mu.Lock()
				switch status {
				case models.TaskStatusSucceeded:
					stats.Succeeded++
				case models.TaskStatusFailed:
					stats.Failed++
					stats.LastError = err.Error()
				case models.TaskStatusCancelled:
					stats.Cancelled++
				}
				if err != nil && errors.Is(err, errBudgetExceeded) {
					stats.BudgetExceeded = true
					stopDispatch()
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Tasks the feeder never handed out are still pending; cancel them so
	// the run leaves no pending rows behind.
	if ctx.Err() != nil || stats.BudgetExceeded {
		writeCtx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
		defer cancel()
		swept, err := s.deps.Store.Tasks.CancelPending(writeCtx, runID)
		if err != nil {
			slog.Error("Failed to cancel pending tasks", "run_id", runID, "error", err)
		}
		stats.Cancelled += int(swept)
	}
	return stats
}

// executeTask claims one task, runs the attempt loop, and writes the terminal
// status. An empty returned status means the claim never happened and the
// task is still pending (the post-phase sweep picks it up).
func (s *Scheduler) executeTask(ctx context.Context, task *models.Task, fn taskFunc) (models.TaskStatus, error) {
	started, err := s.deps.Store.Tasks.Start(ctx, task.TaskID)
	if err != nil {
		slog.Error("Failed to claim task", "task_id", task.TaskID, "error", err)
		return "", err
	}
	if !started {
		return "", nil
	}

	var lastErr error
	for attempt := 0; attempt <= taskMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-ctx.Done():
			}
			slog.Warn("Retrying task",
				"run_id", task.RunID, "task_id", task.TaskID,
				"kind", task.Kind, "attempt", attempt, "error", lastErr)
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if attempt > 0 {
			if err := s.deps.Store.Tasks.RecordRetry(ctx, task.TaskID); err != nil {
				slog.Error("Failed to record retry", "task_id", task.TaskID, "error", err)
			}
		}

		lastErr = fn(ctx, task)
		if lastErr == nil || !isTransientTaskErr(lastErr) {
			break
		}
	}

	status := models.TaskStatusSucceeded
	errText := ""
	switch {
	case lastErr == nil:
	case ctx.Err() != nil:
		status, errText = models.TaskStatusCancelled, lastErr.Error()
	default:
		status, errText = models.TaskStatusFailed, lastErr.Error()
	}

	// Terminal writes use a fresh context: the run context may already be
	// cancelled, and an unrecorded outcome would strand the task in running.
	writeCtx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	if err := s.deps.Store.Tasks.Finish(writeCtx, task.TaskID, status, errText); err != nil {
		slog.Error("Failed to finish task",
			"task_id", task.TaskID, "status", status, "error", err)
	}
	s.deps.Metrics.taskFinished(task.Kind, status)
	return status, lastErr
}

// retryBackoff returns the full-jitter exponential delay before the given
// retry attempt (1-based).
func retryBackoff(attempt int) time.Duration {
	d := taskBackoffBase << (attempt - 1)
	if d > taskBackoffCap {
		d = taskBackoffCap
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// isTransientTaskErr reports whether a task error is worth another in-place
// attempt: rate-limit acquire timeouts, 429s, upstream 5xx, and network
// failures. Context cancellation and every other 4xx are final.
func isTransientTaskErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var timeoutErr *ratelimit.TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	var statusErr interface{ HTTPStatus() int }
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatus()
		return code == http.StatusTooManyRequests || code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
