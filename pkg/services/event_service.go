package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
)

// EventService reads and appends the per-run timeline.
type EventService struct {
	store *store.Store
}

// NewEventService creates an EventService.
func NewEventService(st *store.Store) *EventService {
	return &EventService{store: st}
}

// Append writes one timeline event outside any caller transaction. Used by
// the pipeline for phase transitions and completion aggregates.
func (s *EventService) Append(ctx context.Context, runID, eventType, message string, details any) error {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		raw = b
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.store.Events.Insert(writeCtx, &models.RunEvent{
		EventID:   store.NewID(),
		RunID:     runID,
		EventType: eventType,
		Message:   message,
		Details:   raw,
	})
}

// Timeline returns the run's events in chronological order.
func (s *EventService) Timeline(ctx context.Context, tenantID, runID string, limit int) (*models.TimelineResponse, error) {
	run, err := s.store.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	if limit <= 0 {
		limit = 200
	}
	events, err := s.store.Events.ListByRun(ctx, runID, limit)
	if err != nil {
		return nil, err
	}
	return &models.TimelineResponse{RunID: runID, Events: events}, nil
}
