package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
)

// Reap fails every task and run left in running by a previous process, in
// one transaction. Runs once at boot, before the pool accepts work: a
// running row with no live worker is unrecoverable, and new dispatch must
// not start behind phantom work. Queued runs are untouched; they dispatch
// normally once the pool starts.
func Reap(ctx context.Context, st *store.Store) error {
	var (
		tasks  []*models.Task
		runIDs []string
	)
	err := st.WithTx(ctx, func(tx *store.Store) error {
		var err error
		tasks, err = tx.Tasks.ReapRunning(ctx)
		if err != nil {
			return err
		}
		runIDs, err = tx.Runs.ReapRunning(ctx)
		if err != nil {
			return err
		}

		for _, task := range tasks {
			if err := tx.Events.Insert(ctx, &models.RunEvent{
				EventID:   store.NewID(),
				RunID:     task.RunID,
				EventType: models.EventTaskReaped,
				Message:   fmt.Sprintf("task %s reaped on boot", task.TaskID),
			}); err != nil {
				return fmt.Errorf("record task reap event: %w", err)
			}
		}
		for _, runID := range runIDs {
			if err := tx.Events.Insert(ctx, &models.RunEvent{
				EventID:   store.NewID(),
				RunID:     runID,
				EventType: models.EventRunReaped,
				Message:   "run reaped on boot",
			}); err != nil {
				return fmt.Errorf("record run reap event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reap running work: %w", err)
	}

	for _, task := range tasks {
		slog.Warn("Reaped running task",
			"task_id", task.TaskID, "run_id", task.RunID, "kind", task.Kind)
	}
	for _, runID := range runIDs {
		slog.Warn("Reaped running run", "run_id", runID)
	}
	if len(tasks) > 0 || len(runIDs) > 0 {
		slog.Info("Boot reap complete", "tasks", len(tasks), "runs", len(runIDs))
	}
	return nil
}
