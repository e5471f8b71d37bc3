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

// RunStore persists runs.
type RunStore struct {
	q DBTX
}

const runColumns = `run_id, tenant_id, project_id, title, status, priority, config, tags,
       requested_by, summary, cancel_requested, created_at, updated_at, started_at, completed_at`

// Create inserts a new run.
func (s *RunStore) Create(ctx context.Context, run *models.Run) error {
	tags, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	cfg := run.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO runs (run_id, tenant_id, project_id, title, status, priority, config, tags,
		                  requested_by, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $10)`,
		run.RunID, run.TenantID, run.ProjectID, run.Title, run.Status, run.Priority,
		[]byte(cfg), tags, run.RequestedBy, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Get fetches one run scoped to a tenant. Returns (nil, nil) when absent.
func (s *RunStore) Get(ctx context.Context, tenantID, runID string) (*models.Run, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1 AND tenant_id = $2`,
		runID, tenantID)
	return scanRun(row)
}

// GetByID fetches a run without tenant scoping. Internal callers only
// (scheduler, reaper).
func (s *RunStore) GetByID(ctx context.Context, runID string) (*models.Run, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

// runWhereClause builds the shared WHERE clause for list/count queries.
func runWhereClause(tenantID string, filters models.RunFilters) (string, []any, int) {
	where := ` WHERE tenant_id = $1`
	args := []any{tenantID}
	argN := 2

	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, filters.Status)
		argN++
	}
	if filters.ProjectID != "" {
		where += fmt.Sprintf(" AND project_id = $%d", argN)
		args = append(args, filters.ProjectID)
		argN++
	}
	if len(filters.Tags) > 0 {
		// JSONB containment: the run must carry every requested tag.
		tagJSON, _ := json.Marshal(filters.Tags)
		where += fmt.Sprintf(" AND tags @> $%d::jsonb", argN)
		args = append(args, string(tagJSON))
		argN++
	}
	return where, args, argN
}

// List returns runs matching the filters, newest first by default.
func (s *RunStore) List(ctx context.Context, tenantID string, filters models.RunFilters) ([]*models.Run, error) {
	where, args, argN := runWhereClause(tenantID, filters)

	order := ` ORDER BY created_at DESC, run_id DESC`
	if filters.OrderBy == "priority" {
		order = ` ORDER BY priority DESC, created_at DESC`
	}

	query := `SELECT ` + runColumns + ` FROM runs` + where + order
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
		args = append(args, filters.Limit, filters.Offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	result := []*models.Run{}
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// Count returns the total runs matching the filters, ignoring pagination.
func (s *RunStore) Count(ctx context.Context, tenantID string, filters models.RunFilters) (int, error) {
	where, args, _ := runWhereClause(tenantID, filters)
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}

// Update applies the mutable fields that are set. Callers enforce the
// terminal-state rules before calling.
func (s *RunStore) Update(ctx context.Context, tenantID, runID string, upd models.UpdateRunRequest) error {
	set := `updated_at = now()`
	args := []any{runID, tenantID}
	argN := 3

	if upd.Title != nil {
		set += fmt.Sprintf(", title = $%d", argN)
		args = append(args, *upd.Title)
		argN++
	}
	if upd.Priority != nil {
		set += fmt.Sprintf(", priority = $%d", argN)
		args = append(args, *upd.Priority)
		argN++
	}
	if upd.Tags != nil {
		tagJSON, err := json.Marshal(*upd.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		set += fmt.Sprintf(", tags = $%d", argN)
		args = append(args, tagJSON)
		argN++
	}
	if upd.Summary != nil {
		set += fmt.Sprintf(", summary = $%d", argN)
		args = append(args, *upd.Summary)
		argN++
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE runs SET `+set+` WHERE run_id = $1 AND tenant_id = $2`, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
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

// Transition moves a run along one state-machine edge. The WHERE clause pins
// the expected source status so concurrent writers cannot double-apply; the
// return value reports whether this call won.
func (s *RunStore) Transition(ctx context.Context, runID string, from, to models.RunStatus) (bool, error) {
	set := `status = $1, updated_at = now()`
	if to == models.RunStatusRunning {
		set += `, started_at = now()`
	}
	if to.Terminal() {
		set += `, completed_at = now()`
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE runs SET `+set+` WHERE run_id = $2 AND status = $3`,
		to, runID, from)
	if err != nil {
		return false, fmt.Errorf("transition run %s %s->%s: %w", runID, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetSummary records the terminal summary line.
func (s *RunStore) SetSummary(ctx context.Context, runID, summary string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE runs SET summary = $1, updated_at = now() WHERE run_id = $2`,
		summary, runID)
	if err != nil {
		return fmt.Errorf("set run summary: %w", err)
	}
	return nil
}

// SetCancelRequested flips the cooperative cancellation flag on a running run.
func (s *RunStore) SetCancelRequested(ctx context.Context, runID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE runs SET cancel_requested = TRUE, updated_at = now() WHERE run_id = $1`,
		runID)
	if err != nil {
		return fmt.Errorf("set cancel_requested: %w", err)
	}
	return nil
}

// CancelRequested reads the cooperative cancellation flag.
func (s *RunStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var flag bool
	err := s.q.QueryRowContext(ctx,
		`SELECT cancel_requested FROM runs WHERE run_id = $1`, runID).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read cancel_requested: %w", err)
	}
	return flag, nil
}

// CountWithStatus counts runs in one status across all tenants. Health checks
// use it for queue depth.
func (s *RunStore) CountWithStatus(ctx context.Context, status models.RunStatus) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s runs: %w", status, err)
	}
	return count, nil
}

// ClaimQueued locks and returns the next queued run: highest priority first,
// oldest run id as tie-break. SKIP LOCKED keeps concurrent workers from
// blocking on each other. Must run inside a transaction; returns (nil, nil)
// when the queue is empty.
func (s *RunStore) ClaimQueued(ctx context.Context) (*models.Run, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = 'queued'
		ORDER BY priority DESC, run_id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	return scanRun(row)
}

// ReapRunning force-fails every run left in running state. Boot-time only.
func (s *RunStore) ReapRunning(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		UPDATE runs
		SET status = 'failed', summary = 'reaped_on_boot',
		    completed_at = now(), updated_at = now()
		WHERE status = 'running'
		RETURNING run_id`)
	if err != nil {
		return nil, fmt.Errorf("reap running runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTerminalBefore removes terminal runs older than the cutoff and
// returns their ids so callers can clean up per-run storage. Dependent rows
// go with them via ON DELETE CASCADE.
func (s *RunStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		DELETE FROM runs
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1
		RETURNING run_id`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("delete terminal runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row *sql.Row) (*models.Run, error) {
	run, err := scanRunRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

func scanRunRow(row rowScanner) (*models.Run, error) {
	var (
		run                    models.Run
		config                 []byte
		tags                   []byte
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&run.RunID, &run.TenantID, &run.ProjectID, &run.Title, &run.Status,
		&run.Priority, &config, &tags, &run.RequestedBy, &run.Summary,
		&run.CancelRequested, &run.CreatedAt, &run.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Config = json.RawMessage(config)
	if err := json.Unmarshal(tags, &run.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal run tags: %w", err)
	}
	run.StartedAt = nullTime(startedAt)
	run.CompletedAt = nullTime(completedAt)
	return &run, nil
}
