// Package cleanup enforces the run retention policy: terminal runs past the
// configured horizon are hard-deleted together with their stored artifacts.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/services"
	"github.com/promptarena/arena/pkg/storage"
	"github.com/promptarena/arena/pkg/store"
)

// defaultSchedule applies when retention is enabled without a schedule.
const defaultSchedule = "@hourly"

// sweepTimeout bounds one sweep, storage deletions included.
const sweepTimeout = 5 * time.Minute

// Service periodically deletes terminal runs older than max_age. Dependent
// rows cascade in the store; the run's storage prefix is cleaned afterwards.
// A zero max_age disables the sweeper and runs are kept forever.
type Service struct {
	cfg      config.RetentionConfig
	store    *store.Store
	storage  storage.Provider
	warnings *services.SystemWarningsService // optional
	cron     *cron.Cron
}

// NewService creates the retention sweeper. warnings may be nil; when set,
// sweep failures surface there until the next clean sweep.
func NewService(cfg config.RetentionConfig, st *store.Store, sp storage.Provider, warnings *services.SystemWarningsService) *Service {
	return &Service{cfg: cfg, store: st, storage: sp, warnings: warnings}
}

// Start schedules the sweep.
func (s *Service) Start() error {
	if s.cfg.MaxAge <= 0 {
		slog.Info("Retention disabled, runs are kept forever")
		return nil
	}
	schedule := s.cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	s.cron.Start()

	slog.Info("Retention sweeper started", "max_age", s.cfg.MaxAge, "schedule", schedule)
	return nil
}

// Stop halts the scheduler and waits for an in-flight sweep to finish.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	slog.Info("Retention sweeper stopped")
}

// Sweep deletes expired terminal runs and their storage. Exposed for tests
// and for running a sweep on demand.
func (s *Service) Sweep() {
	if s.cfg.MaxAge <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.cfg.MaxAge)
	runIDs, err := s.store.Runs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: delete terminal runs failed", "error", err)
		if s.warnings != nil {
			s.warnings.AddWarning(services.WarningRetention, "sweeper",
				"retention sweep failed", err.Error())
		}
		return
	}
	if s.warnings != nil {
		s.warnings.Clear(services.WarningRetention, "sweeper")
	}
	for _, runID := range runIDs {
		s.deleteRunStorage(ctx, runID)
	}
	if len(runIDs) > 0 {
		slog.Info("Retention: deleted expired runs", "count", len(runIDs), "cutoff", cutoff)
	}
}

// deleteRunStorage removes every stored object under the run's prefix. The
// rows are already gone, so a failed delete here is not retried by later
// sweeps; it is logged and flagged for manual cleanup.
func (s *Service) deleteRunStorage(ctx context.Context, runID string) {
	prefix := fmt.Sprintf("runs/%s/", runID)
	paths, err := s.storage.List(ctx, prefix)
	if err != nil {
		slog.Error("Retention: list run storage failed", "run_id", runID, "error", err)
		s.warnStorageLeftover(prefix, err)
		return
	}
	for _, path := range paths {
		if err := s.storage.Delete(ctx, path, fmt.Sprintf("retention sweep for run %s", runID)); err != nil {
			slog.Error("Retention: delete stored file failed",
				"run_id", runID, "path", path, "error", err)
			s.warnStorageLeftover(path, err)
		}
	}
}

func (s *Service) warnStorageLeftover(path string, err error) {
	if s.warnings == nil {
		return
	}
	s.warnings.AddWarning(services.WarningRetention, "storage",
		"stored files left behind after retention sweep",
		fmt.Sprintf("%s: %v", path, err))
}
