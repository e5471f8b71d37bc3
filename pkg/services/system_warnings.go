package services

import (
	"sort"
	"sync"
	"time"

	"github.com/promptarena/arena/pkg/store"
)

// Warning categories.
const (
	// WarningRetention flags a failed retention sweep or stored files the
	// sweeper could not remove.
	WarningRetention = "retention"
)

// SystemWarning is one non-fatal operational issue, surfaced on /health.
type SystemWarning struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SystemWarningsService holds in-memory warnings. Thread-safe. Warnings are
// transient and reset on restart; anything that must survive a restart
// belongs in the run timeline instead.
type SystemWarningsService struct {
	mu       sync.RWMutex
	warnings map[string]*SystemWarning // warningID → warning
}

// NewSystemWarningsService creates an empty warnings registry.
func NewSystemWarningsService() *SystemWarningsService {
	return &SystemWarningsService{
		warnings: make(map[string]*SystemWarning),
	}
}

// AddWarning records a warning and returns its ID. A warning with the same
// category and source replaces the previous one, so a recurring failure
// shows up once with a fresh timestamp.
func (s *SystemWarningsService) AddWarning(category, source, message, details string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.warnings {
		if w.Category == category && w.Source == source {
			delete(s.warnings, id)
			break
		}
	}

	id := store.NewID()
	s.warnings[id] = &SystemWarning{
		ID:        id,
		Category:  category,
		Source:    source,
		Message:   message,
		Details:   details,
		CreatedAt: time.Now(),
	}
	return id
}

// Clear removes the warning matching category and source, if any, and
// reports whether one was removed. Posters call it when the condition heals.
func (s *SystemWarningsService) Clear(category, source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.warnings {
		if w.Category == category && w.Source == source {
			delete(s.warnings, id)
			return true
		}
	}
	return false
}

// Warnings returns value copies of every active warning, oldest first.
func (s *SystemWarningsService) Warnings() []*SystemWarning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*SystemWarning, 0, len(s.warnings))
	for _, w := range s.warnings {
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
