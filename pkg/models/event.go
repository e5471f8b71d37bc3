package models

import (
	"encoding/json"
	"time"
)

// Run timeline event types.
const (
	EventRunCreated     = "run_created"
	EventRunQueued      = "run_queued"
	EventRunStarted     = "run_started"
	EventRunCompleted   = "run_completed"
	EventRunFailed      = "run_failed"
	EventRunCancelled   = "run_cancelled"
	EventRunReaped      = "run_reaped"
	EventTaskReaped     = "task_reaped"
	EventPhaseStarted   = "phase_started"
	EventPhaseCompleted = "phase_completed"
	EventPhaseSkipped   = "phase_skipped"
)

// RunEvent is one entry of a run's persisted timeline. Event IDs are ULIDs,
// so lexical order is chronological order.
type RunEvent struct {
	EventID   string          `json:"event_id"`
	RunID     string          `json:"run_id"`
	EventType string          `json:"event_type"`
	Message   string          `json:"message,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TimelineResponse is the body of GET /runs/{id}/timeline.
type TimelineResponse struct {
	RunID  string      `json:"run_id"`
	Events []*RunEvent `json:"events"`
}
