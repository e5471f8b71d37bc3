package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/promptarena/arena/pkg/models"
)

// EventStore persists the per-run timeline.
type EventStore struct {
	q DBTX
}

// Insert appends one timeline event.
func (s *EventStore) Insert(ctx context.Context, e *models.RunEvent) error {
	details := e.Details
	if len(details) == 0 {
		details = json.RawMessage(`{}`)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO run_events (event_id, run_id, event_type, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.EventID, e.RunID, e.EventType, e.Message, []byte(details), createdAt)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// ListByRun returns a run's timeline in chronological order. Event IDs are
// ULIDs, so ordering by id is ordering by time.
func (s *EventStore) ListByRun(ctx context.Context, runID string, limit int) ([]*models.RunEvent, error) {
	query := `
		SELECT event_id, run_id, event_type, message, details, created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY event_id`
	args := []any{runID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	result := []*models.RunEvent{}
	for rows.Next() {
		var (
			e       models.RunEvent
			details []byte
		)
		if err := rows.Scan(&e.EventID, &e.RunID, &e.EventType, &e.Message, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.Details = json.RawMessage(details)
		result = append(result, &e)
	}
	return result, rows.Err()
}
