// Package models defines the domain entities persisted by the metadata store
// and the request/response shapes exchanged with the API layer.
package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// runTransitions enumerates the legal edges of the run state machine.
// Terminal states have no outgoing edges.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusQueued, RunStatusCancelled},
	RunStatusQueued:  {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusQueued, RunStatusRunning,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a sink state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// CanTransitionTo reports whether the edge s→target exists in the state machine.
func (s RunStatus) CanTransitionTo(target RunStatus) bool {
	for _, t := range runTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Run priority bounds. Higher is dispatched first.
const (
	MinPriority     = 1
	MaxPriority     = 9
	DefaultPriority = 5
)

// Tag constraints.
const (
	MaxTags      = 10
	MaxTagLength = 32
)

// Run is one batch pipeline job.
type Run struct {
	RunID           string          `json:"run_id"`
	TenantID        string          `json:"tenant_id"`
	ProjectID       string          `json:"project_id"`
	Title           string          `json:"title,omitempty"`
	Status          RunStatus       `json:"status"`
	Priority        int             `json:"priority"`
	Config          json.RawMessage `json:"config"`
	Tags            []string        `json:"tags"`
	RequestedBy     string          `json:"requested_by,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// CreateRunRequest contains fields for creating a new run.
type CreateRunRequest struct {
	ProjectID string          `json:"project_id"`
	Title     string          `json:"title,omitempty"`
	Config    json.RawMessage `json:"config"`
	Tags      []string        `json:"tags,omitempty"`
	Priority  *int            `json:"priority,omitempty"`
}

// UpdateRunRequest contains the mutable run fields. Only Summary is honoured
// once the run is terminal.
type UpdateRunRequest struct {
	Title    *string   `json:"title,omitempty"`
	Priority *int      `json:"priority,omitempty"`
	Tags     *[]string `json:"tags,omitempty"`
	Summary  *string   `json:"summary,omitempty"`
}

// RunFilters contains filtering options for listing runs.
type RunFilters struct {
	Status    string   `json:"status,omitempty"`
	ProjectID string   `json:"project_id,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Offset    int      `json:"offset,omitempty"`
	OrderBy   string   `json:"order_by,omitempty"` // created_at | priority
}

// RunListResponse contains a paginated run list.
type RunListResponse struct {
	Runs       []*Run `json:"runs"`
	TotalCount int    `json:"total_count"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

// RunStatusSummary aggregates per-run progress for GET /runs/{id}.
type RunStatusSummary struct {
	Documents map[RunDocumentStatus]int `json:"documents"`
	Tasks     map[TaskStatus]int        `json:"tasks"`
	Artifacts int                       `json:"artifacts"`
}

// RunResponse wraps a run with its aggregate counts.
type RunResponse struct {
	*Run
	StatusSummary *RunStatusSummary `json:"status_summary,omitempty"`
}
