// Package services implements the coordinator layer between the HTTP API and
// the metadata store: run lifecycle, document attachment, evaluation reads,
// and the run timeline. Every operation validates status transitions against
// the run state machine and surfaces typed domain errors.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
)

// writeTimeout bounds critical writes that must land even when the caller's
// request context is about to die.
const writeTimeout = 10 * time.Second

// Canceller is implemented by the worker pool: it cancels the context of a
// run the pool currently executes. Returns false when the run is not live
// in this process.
type Canceller interface {
	CancelRun(runID string) bool
}

// RunService owns the run lifecycle state machine.
type RunService struct {
	store     *store.Store
	canceller Canceller
}

// NewRunService creates a RunService.
func NewRunService(st *store.Store) *RunService {
	return &RunService{store: st}
}

// SetCanceller wires the worker pool's cancel registry. Called once at boot,
// after the pool exists; nil is tolerated (pending/queued runs still cancel,
// running runs cancel on the next cooperative check).
func (s *RunService) SetCanceller(c Canceller) {
	s.canceller = c
}

// Create validates and freezes the run configuration, then persists the run
// in pending state.
func (s *RunService) Create(ctx context.Context, tenantID, requestedBy string, req *models.CreateRunRequest) (*models.Run, error) {
	if tenantID == "" {
		return nil, NewValidationError("tenant_id", "required")
	}
	if req.ProjectID == "" {
		return nil, NewValidationError("project_id", "required")
	}
	if len(req.Config) == 0 {
		return nil, NewValidationError("config", "required")
	}

	tags, err := NormalizeTags(req.Tags)
	if err != nil {
		return nil, err
	}

	priority := models.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
		if priority < models.MinPriority || priority > models.MaxPriority {
			return nil, NewValidationError("priority",
				fmt.Sprintf("must be between %d and %d", models.MinPriority, models.MaxPriority))
		}
	}

	cfg, err := config.ParseRunConfig(req.Config)
	if err != nil {
		return nil, NewValidationError("config", err.Error())
	}
	frozen, err := cfg.Freeze()
	if err != nil {
		return nil, fmt.Errorf("freeze run config: %w", err)
	}

	run := &models.Run{
		RunID:       store.NewID(),
		TenantID:    tenantID,
		ProjectID:   req.ProjectID,
		Title:       strings.TrimSpace(req.Title),
		Status:      models.RunStatusPending,
		Priority:    priority,
		Config:      frozen,
		Tags:        tags,
		RequestedBy: requestedBy,
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err = s.store.WithTx(writeCtx, func(tx *store.Store) error {
		if err := tx.Runs.Create(writeCtx, run); err != nil {
			return err
		}
		return appendEvent(writeCtx, tx, run.RunID, models.EventRunCreated,
			fmt.Sprintf("run created by %s", requestedBy), nil)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Run created",
		"run_id", run.RunID, "tenant_id", tenantID,
		"project_id", req.ProjectID, "priority", priority)
	return run, nil
}

// Get fetches a run with its aggregate progress counts.
func (s *RunService) Get(ctx context.Context, tenantID, runID string) (*models.RunResponse, error) {
	run, err := s.store.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	docs, err := s.store.Documents.CountDocsByStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.Tasks.CountByStatus(ctx, runID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.store.Artifacts.CountByRun(ctx, runID, "")
	if err != nil {
		return nil, err
	}

	return &models.RunResponse{
		Run: run,
		StatusSummary: &models.RunStatusSummary{
			Documents: docs,
			Tasks:     tasks,
			Artifacts: artifacts,
		},
	}, nil
}

// List returns the tenant's runs, filtered and paginated.
func (s *RunService) List(ctx context.Context, tenantID string, filters models.RunFilters) (*models.RunListResponse, error) {
	if filters.Status != "" && !models.RunStatus(filters.Status).Valid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", filters.Status))
	}
	switch filters.OrderBy {
	case "", "created_at", "priority":
	default:
		return nil, NewValidationError("order_by", "must be created_at or priority")
	}

	if filters.Limit <= 0 {
		filters.Limit = 20
	}
	if filters.Limit > 100 {
		filters.Limit = 100
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	total, err := s.store.Runs.Count(ctx, tenantID, filters)
	if err != nil {
		return nil, err
	}
	runs, err := s.store.Runs.List(ctx, tenantID, filters)
	if err != nil {
		return nil, err
	}

	return &models.RunListResponse{
		Runs:       runs,
		TotalCount: total,
		Limit:      filters.Limit,
		Offset:     filters.Offset,
	}, nil
}

// Update edits run metadata. Once the run is terminal only the summary may
// change; anything else is rejected.
func (s *RunService) Update(ctx context.Context, tenantID, runID string, req models.UpdateRunRequest) (*models.Run, error) {
	run, err := s.store.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	if run.Status.Terminal() && (req.Title != nil || req.Priority != nil || req.Tags != nil) {
		return nil, fmt.Errorf("only summary is editable after completion: %w", ErrRunTerminal)
	}
	if req.Priority != nil && (*req.Priority < models.MinPriority || *req.Priority > models.MaxPriority) {
		return nil, NewValidationError("priority",
			fmt.Sprintf("must be between %d and %d", models.MinPriority, models.MaxPriority))
	}
	if req.Tags != nil {
		tags, err := NormalizeTags(*req.Tags)
		if err != nil {
			return nil, err
		}
		req.Tags = &tags
	}

	if err := s.store.Runs.Update(ctx, tenantID, runID, req); err != nil {
		return nil, err
	}
	return s.store.Runs.Get(ctx, tenantID, runID)
}

// Start queues a pending run for execution.
func (s *RunService) Start(ctx context.Context, tenantID, runID string) (*models.Run, error) {
	run, err := s.store.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err = s.store.WithTx(writeCtx, func(tx *store.Store) error {
		ok, err := tx.Runs.Transition(writeCtx, runID, models.RunStatusPending, models.RunStatusQueued)
		if err != nil {
			return err
		}
		if !ok {
			current, err := tx.Runs.GetByID(writeCtx, runID)
			if err != nil {
				return err
			}
			if current == nil {
				return ErrRunNotFound
			}
			return &TransitionError{RunID: runID, From: current.Status, To: models.RunStatusQueued}
		}
		return appendEvent(writeCtx, tx, runID, models.EventRunQueued, "run queued for execution", nil)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Run queued", "run_id", runID, "tenant_id", tenantID)
	return s.store.Runs.Get(ctx, tenantID, runID)
}

// Cancel requests cooperative cancellation. Pending and queued runs cancel
// immediately; running runs get the flag plus a context cancel and finish
// through the scheduler. Cancelling a terminal run is a no-op success.
func (s *RunService) Cancel(ctx context.Context, tenantID, runID string) (*models.Run, error) {
	run, err := s.store.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	if run.Status.Terminal() {
		return run, nil
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err = s.store.WithTx(writeCtx, func(tx *store.Store) error {
		if err := tx.Runs.SetCancelRequested(writeCtx, runID); err != nil {
			return err
		}

		// pending/queued runs are not held by any worker; finish them here.
		// A concurrent dispatch losing the race leaves the run running with
		// the flag set, and the scheduler finishes the cancellation.
		for _, from := range []models.RunStatus{models.RunStatusPending, models.RunStatusQueued} {
			ok, err := tx.Runs.Transition(writeCtx, runID, from, models.RunStatusCancelled)
			if err != nil {
				return err
			}
			if ok {
				if _, err := tx.Tasks.CancelPending(writeCtx, runID); err != nil {
					return err
				}
				return appendEvent(writeCtx, tx, runID, models.EventRunCancelled, "run cancelled", nil)
			}
		}
		return appendEvent(writeCtx, tx, runID, models.EventRunCancelled, "cancellation requested", nil)
	})
	if err != nil {
		return nil, err
	}

	if s.canceller != nil {
		s.canceller.CancelRun(runID)
	}

	slog.Info("Run cancellation requested", "run_id", runID, "tenant_id", tenantID)
	return s.store.Runs.Get(ctx, tenantID, runID)
}

// Delete soft-deletes a run: non-terminal runs are cancelled, all rows are
// retained. Deleting a terminal run is a no-op success.
func (s *RunService) Delete(ctx context.Context, tenantID, runID string) error {
	_, err := s.Cancel(ctx, tenantID, runID)
	return err
}

// Tasks lists the run's tasks with per-task errors, in dispatch order.
func (s *RunService) Tasks(ctx context.Context, tenantID, runID string) (*models.TaskListResponse, error) {
	run, err := s.store.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	tasks, err := s.store.Tasks.ListByRun(ctx, runID, "")
	if err != nil {
		return nil, err
	}
	return &models.TaskListResponse{Tasks: tasks, TotalCount: len(tasks)}, nil
}

// Artifacts lists the run's artifacts with the accumulated cost.
func (s *RunService) Artifacts(ctx context.Context, tenantID, runID string) (*models.ArtifactListResponse, error) {
	run, err := s.store.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	artifacts, err := s.store.Artifacts.ListByRun(ctx, runID, "", "")
	if err != nil {
		return nil, err
	}
	cost, err := s.store.Artifacts.TotalCost(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &models.ArtifactListResponse{
		Artifacts:  artifacts,
		TotalCount: len(artifacts),
		TotalCost:  cost,
	}, nil
}

// NormalizeTags lower-cases, trims, and de-duplicates tags, enforcing the
// count and length bounds.
func NormalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if len(t) > models.MaxTagLength {
			return nil, NewValidationError("tags",
				fmt.Sprintf("tag %q exceeds %d characters", t, models.MaxTagLength))
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) > models.MaxTags {
		return nil, NewValidationError("tags",
			fmt.Sprintf("at most %d tags allowed", models.MaxTags))
	}
	return out, nil
}

// appendEvent writes one timeline row inside the caller's transaction.
func appendEvent(ctx context.Context, tx *store.Store, runID, eventType, message string, details any) error {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		raw = b
	}
	return tx.Events.Insert(ctx, &models.RunEvent{
		EventID:   store.NewID(),
		RunID:     runID,
		EventType: eventType,
		Message:   message,
		Details:   raw,
	})
}
