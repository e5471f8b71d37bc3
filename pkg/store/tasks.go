package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/promptarena/arena/pkg/models"
)

// TaskStore persists tasks.
type TaskStore struct {
	q DBTX
}

const taskColumns = `task_id, run_id, document_id, kind, payload, status, attempts,
       last_error, sort_order, created_at, updated_at, started_at, completed_at`

// InsertBatch inserts a phase's tasks. Called inside the scheduling
// transaction so a phase materializes atomically.
func (s *TaskStore) InsertBatch(ctx context.Context, tasks []*models.Task) error {
	for _, task := range tasks {
		payload := task.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		var docID any
		if task.DocumentID != "" {
			docID = task.DocumentID
		}
		createdAt := task.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO tasks (task_id, run_id, document_id, kind, payload, status,
			                   sort_order, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			task.TaskID, task.RunID, docID, task.Kind, []byte(payload),
			task.Status, task.SortOrder, createdAt,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", task.TaskID, err)
		}
	}
	return nil
}

// Get fetches one task. Returns (nil, nil) when absent.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

// ListByRun returns a run's tasks in dispatch order, optionally filtered.
func (s *TaskStore) ListByRun(ctx context.Context, runID string, status models.TaskStatus, kinds ...models.TaskKind) ([]*models.Task, error) {
	where := ` WHERE run_id = $1`
	args := []any{runID}
	argN := 2

	if status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, status)
		argN++
	}
	if len(kinds) > 0 {
		where += " AND kind IN ("
		for i, k := range kinds {
			if i > 0 {
				where += ", "
			}
			where += fmt.Sprintf("$%d", argN)
			args = append(args, k)
			argN++
		}
		where += ")"
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+where+` ORDER BY sort_order, task_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := []*models.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// Start moves pending→running and bumps the attempt counter. Returns false
// when the task was no longer pending.
func (s *TaskStore) Start(ctx context.Context, taskID string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'running', attempts = attempts + 1,
		    started_at = now(), updated_at = now()
		WHERE task_id = $1 AND status = 'pending'`,
		taskID)
	if err != nil {
		return false, fmt.Errorf("start task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordRetry bumps the attempt counter for an in-place retry of a running
// task. Start counts the first execution; each retry adds one, so the
// persisted attempts always equals the number of executions.
func (s *TaskStore) RecordRetry(ctx context.Context, taskID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE tasks
		SET attempts = attempts + 1, updated_at = now()
		WHERE task_id = $1 AND status = 'running'`,
		taskID)
	if err != nil {
		return fmt.Errorf("record retry for task %s: %w", taskID, err)
	}
	return nil
}

// Finish moves running→{succeeded|failed|cancelled} and records the error.
func (s *TaskStore) Finish(ctx context.Context, taskID string, status models.TaskStatus, lastError string) error {
	var errVal any
	if lastError != "" {
		errVal = lastError
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, last_error = $3, completed_at = now(), updated_at = now()
		WHERE task_id = $1 AND status = 'running'`,
		taskID, status, errVal)
	if err != nil {
		return fmt.Errorf("finish task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CancelPending marks every still-pending task of a run cancelled. Used when
// a cancellation lands between phases.
func (s *TaskStore) CancelPending(ctx context.Context, runID string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE run_id = $1 AND status = 'pending'`,
		runID)
	if err != nil {
		return 0, fmt.Errorf("cancel pending tasks: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus aggregates a run's tasks by status, optionally restricted to
// the given kinds.
func (s *TaskStore) CountByStatus(ctx context.Context, runID string, kinds ...models.TaskKind) (map[models.TaskStatus]int, error) {
	where := ` WHERE run_id = $1`
	args := []any{runID}
	argN := 2

	if len(kinds) > 0 {
		where += " AND kind IN ("
		for i, k := range kinds {
			if i > 0 {
				where += ", "
			}
			where += fmt.Sprintf("$%d", argN)
			args = append(args, k)
			argN++
		}
		where += ")"
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[models.TaskStatus]int{}
	for rows.Next() {
		var (
			status models.TaskStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ReapRunning force-fails every task left in running state. Boot-time only.
func (s *TaskStore) ReapRunning(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.q.QueryContext(ctx, `
		UPDATE tasks
		SET status = 'failed', last_error = 'reaped_on_boot',
		    completed_at = now(), updated_at = now()
		WHERE status = 'running'
		RETURNING `+taskColumns)
	if err != nil {
		return nil, fmt.Errorf("reap running tasks: %w", err)
	}
	defer rows.Close()

	var reaped []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		reaped = append(reaped, task)
	}
	return reaped, rows.Err()
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task                   models.Task
		docID, lastError       sql.NullString
		payload                []byte
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&task.TaskID, &task.RunID, &docID, &task.Kind, &payload, &task.Status,
		&task.Attempts, &lastError, &task.SortOrder,
		&task.CreatedAt, &task.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.DocumentID = nullString(docID)
	task.Payload = json.RawMessage(payload)
	task.LastError = nullString(lastError)
	task.StartedAt = nullTime(startedAt)
	task.CompletedAt = nullTime(completedAt)
	return &task, nil
}
