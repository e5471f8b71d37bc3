package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/judge"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/ratelimit"
	"github.com/promptarena/arena/pkg/storage"
	"github.com/promptarena/arena/pkg/store"
	"github.com/promptarena/arena/pkg/upstream"
	"github.com/promptarena/arena/pkg/vault"
)

// eventWriteTimeout bounds timeline event writes, which run on detached
// contexts so they survive run-context cancellation.
const eventWriteTimeout = 5 * time.Second

// Generator produces one artifact from one document. *upstream.Client
// implements it; tests substitute scripted fakes.
type Generator interface {
	Generate(ctx context.Context, req *upstream.GenerateRequest, providerKeys map[string]string) (*upstream.GenerateResult, error)
}

// Deps carries everything a Scheduler needs. All fields except Metrics are
// required.
type Deps struct {
	Store      *store.Store
	Storage    storage.Provider
	Vault      *vault.Vault
	Generators map[string]Generator // keyed by generator kind
	Judge      *judge.Runner
	LLM        judge.Caller
	Limiter    *ratelimit.Limiter
	Defaults   config.PhaseConcurrency
	Metrics    *Metrics
}

// Scheduler drives one run through the phase DAG. It implements RunExecutor.
type Scheduler struct {
	deps Deps
}

// NewScheduler creates a Scheduler over the given dependencies.
func NewScheduler(deps Deps) *Scheduler {
	return &Scheduler{deps: deps}
}

// execState is the per-run working set: the frozen config, the materialized
// provider keys, the attached documents, and a cache of artifact bodies so
// eval phases read each artifact from storage once.
type execState struct {
	run  *models.Run
	cfg  *config.RunConfig
	keys map[string]string
	docs []*models.AttachedDocument

	mu      sync.Mutex
	content map[string]string // artifact ID → body
}

// Execute walks the run through the fixed phase order. Each phase plans its
// tasks, dispatches them through the bounded task runner, and evaluates its
// failure threshold. The returned result is the run's terminal state; the
// worker persists it.
func (s *Scheduler) Execute(ctx context.Context, run *models.Run) *ExecutionResult {
	cfg, err := config.ParseRunConfig(run.Config)
	if err != nil {
		return &ExecutionResult{
			Status:  models.RunStatusFailed,
			Summary: "frozen config no longer parses",
			Err:     fmt.Errorf("parse run config: %w", err),
		}
	}

	// Provider keys are materialized once and held in this stack frame for
	// the duration of the run. They never enter shared state.
	keys, err := s.deps.Vault.Materialize(ctx, run.TenantID)
	if err != nil {
		return &ExecutionResult{
			Status:  models.RunStatusFailed,
			Summary: "provider keys unavailable",
			Err:     fmt.Errorf("materialize provider keys: %w", err),
		}
	}

	docs, err := s.deps.Store.Documents.ListAttached(ctx, run.RunID)
	if err != nil {
		return &ExecutionResult{
			Status:  models.RunStatusFailed,
			Summary: "attached documents unavailable",
			Err:     fmt.Errorf("list attached documents: %w", err),
		}
	}

	st := &execState{
		run:     run,
		cfg:     cfg,
		keys:    keys,
		docs:    docs,
		content: make(map[string]string),
	}

	var totalTasks, totalFailed int
	for _, phase := range models.PhaseOrder {
		if ctx.Err() != nil {
			return &ExecutionResult{
				Status:  models.RunStatusCancelled,
				Summary: fmt.Sprintf("cancelled before %s", phase),
			}
		}
		if !cfg.PhaseEnabled(phase) {
			s.skipPhase(run.RunID, phase, "disabled by run config")
			if phase == models.PhaseGeneration {
				s.markDocsSkipped(run.RunID, docs)
			}
			continue
		}

		phaseStart := time.Now()
		stats, failSummary, err := s.runPhase(ctx, st, phase)
		s.deps.Metrics.phaseObserved(phase, time.Since(phaseStart).Seconds())
		if err != nil {
			return &ExecutionResult{
				Status:  models.RunStatusFailed,
				Summary: fmt.Sprintf("%s failed: %v", phase, err),
				Err:     err,
			}
		}
		if stats == nil {
			// Nothing to do; the phase recorded its own skip event.
			continue
		}
		totalTasks += stats.Succeeded + stats.Failed
		totalFailed += stats.Failed

		if ctx.Err() != nil {
			return &ExecutionResult{
				Status:  models.RunStatusCancelled,
				Summary: fmt.Sprintf("cancelled during %s", phase),
			}
		}
		if stats.BudgetExceeded {
			return &ExecutionResult{
				Status:  models.RunStatusFailed,
				Summary: s.budgetSummary(run.RunID, cfg.BudgetUSD),
			}
		}
		if failSummary != "" {
			return &ExecutionResult{
				Status:  models.RunStatusFailed,
				Summary: failSummary,
			}
		}
		s.completePhase(run.RunID, phase, stats)
	}

	if totalFailed > 0 {
		return &ExecutionResult{
			Status:  models.RunStatusCompleted,
			Summary: fmt.Sprintf("completed with partial failures: %d of %d tasks failed", totalFailed, totalTasks),
		}
	}
	return &ExecutionResult{Status: models.RunStatusCompleted, Summary: "all phases completed"}
}

// runPhase plans and executes one phase. A nil stats return with nil error
// means the phase had no work. A non-empty failSummary fails the run with
// that summary.
func (s *Scheduler) runPhase(ctx context.Context, st *execState, phase models.Phase) (stats *phaseStats, failSummary string, err error) {
	switch phase {
	case models.PhaseGeneration:
		return s.runGeneration(ctx, st)
	case models.PhaseSingleEval:
		return s.runSingleEval(ctx, st)
	case models.PhasePairwiseEval:
		return s.runPairwiseEval(ctx, st)
	case models.PhaseCombine:
		return s.runCombine(ctx, st)
	case models.PhasePostCombineEval:
		return s.runPostCombineEval(ctx, st)
	}
	return nil, "", fmt.Errorf("unknown phase %q", phase)
}

// workersFor resolves a phase's effective worker count: the run's explicit
// setting when present, the server default otherwise, clamped either way.
func (s *Scheduler) workersFor(st *execState, phase models.Phase) int {
	return config.ClampConcurrency(st.cfg.ConcurrencyFor(phase), s.deps.Defaults.For(phase))
}

// insertPhaseTasks persists a phase's task batch together with its
// phase_started event, so a crash between the two cannot leave orphaned
// tasks with no timeline entry.
func (s *Scheduler) insertPhaseTasks(ctx context.Context, runID string, phase models.Phase, tasks []*models.Task) error {
	details, _ := json.Marshal(map[string]any{"phase": phase, "task_count": len(tasks)})
	return s.deps.Store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Tasks.InsertBatch(ctx, tasks); err != nil {
			return fmt.Errorf("insert %s tasks: %w", phase, err)
		}
		return tx.Events.Insert(ctx, &models.RunEvent{
			EventID:   store.NewID(),
			RunID:     runID,
			EventType: models.EventPhaseStarted,
			Message:   fmt.Sprintf("%s started with %d tasks", phase, len(tasks)),
			Details:   details,
		})
	})
}

// appendRunEvent records a timeline event on a detached context so the write
// survives run-context cancellation. Event failures log and are otherwise
// swallowed; the timeline is advisory.
func appendRunEvent(st *store.Store, runID, eventType, message string, details any) {
	ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
	defer cancel()

	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			slog.Error("Failed to marshal run event details",
				"run_id", runID, "event_type", eventType, "error", err)
		} else {
			raw = b
		}
	}
	if err := st.Events.Insert(ctx, &models.RunEvent{
		EventID:   store.NewID(),
		RunID:     runID,
		EventType: eventType,
		Message:   message,
		Details:   raw,
	}); err != nil {
		slog.Error("Failed to record run event",
			"run_id", runID, "event_type", eventType, "error", err)
	}
}

func (s *Scheduler) skipPhase(runID string, phase models.Phase, reason string) {
	slog.Info("Phase skipped", "run_id", runID, "phase", phase, "reason", reason)
	appendRunEvent(s.deps.Store, runID, models.EventPhaseSkipped,
		fmt.Sprintf("%s skipped: %s", phase, reason),
		map[string]any{"phase": phase, "reason": reason})
}

func (s *Scheduler) completePhase(runID string, phase models.Phase, stats *phaseStats) {
	appendRunEvent(s.deps.Store, runID, models.EventPhaseCompleted,
		fmt.Sprintf("%s completed: %d succeeded, %d failed", phase, stats.Succeeded, stats.Failed),
		map[string]any{
			"phase":     phase,
			"succeeded": stats.Succeeded,
			"failed":    stats.Failed,
			"cancelled": stats.Cancelled,
		})
}

// markDocsSkipped records the generation-skipped status on every attached
// document so rerun timelines do not show documents stuck pending.
func (s *Scheduler) markDocsSkipped(runID string, docs []*models.AttachedDocument) {
	ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
	defer cancel()
	for _, doc := range docs {
		if err := s.deps.Store.Documents.SetDocStatus(ctx, runID, doc.DocumentID, models.DocStatusSkipped, ""); err != nil {
			slog.Error("Failed to mark document skipped",
				"run_id", runID, "document_id", doc.DocumentID, "error", err)
		}
	}
}

// budgetSummary reports the spend that tripped the budget stop. The total is
// re-read so the summary reflects every artifact that landed.
func (s *Scheduler) budgetSummary(runID string, budgetUSD float64) string {
	ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
	defer cancel()
	spent, err := s.deps.Store.Artifacts.TotalCost(ctx, runID)
	if err != nil {
		return fmt.Sprintf("budget exceeded: limit $%.2f", budgetUSD)
	}
	return fmt.Sprintf("budget exceeded: $%.4f spent against a $%.2f limit", spent, budgetUSD)
}

// checkBudget returns errBudgetExceeded once the run's recorded spend
// reaches the configured cap. A zero budget is uncapped. The check runs
// before each paid call, so one in-flight batch per worker can still land
// past the line; the cap is a stop signal, not a hard ceiling.
func (s *Scheduler) checkBudget(ctx context.Context, st *execState) error {
	if st.cfg.BudgetUSD <= 0 {
		return nil
	}
	spent, err := s.deps.Store.Artifacts.TotalCost(ctx, st.run.RunID)
	if err != nil {
		return fmt.Errorf("read run spend: %w", err)
	}
	if spent >= st.cfg.BudgetUSD {
		return errBudgetExceeded
	}
	return nil
}

// observe429 feeds upstream backpressure into the rate limiter.
func (s *Scheduler) observe429(provider string, err error) {
	var statusErr interface{ HTTPStatus() int }
	if errors.As(err, &statusErr) && statusErr.HTTPStatus() == http.StatusTooManyRequests {
		s.deps.Limiter.Observe429(provider)
	}
}

// artifactBody returns an artifact's content, reading it from storage on
// first use and caching it for the rest of the run.
func (s *Scheduler) artifactBody(ctx context.Context, st *execState, artifact *models.Artifact) (string, error) {
	st.mu.Lock()
	if body, ok := st.content[artifact.ArtifactID]; ok {
		st.mu.Unlock()
		return body, nil
	}
	st.mu.Unlock()

	raw, err := s.deps.Storage.Read(ctx, artifact.StoragePath)
	if err != nil {
		return "", fmt.Errorf("read artifact %s: %w", artifact.ArtifactID, err)
	}
	body := string(raw)

	st.mu.Lock()
	st.content[artifact.ArtifactID] = body
	st.mu.Unlock()
	return body, nil
}

// cacheArtifactBody seeds the content cache at write time, sparing eval
// phases the storage round-trip for artifacts generated in the same run.
func (st *execState) cacheArtifactBody(artifactID, body string) {
	st.mu.Lock()
	st.content[artifactID] = body
	st.mu.Unlock()
}
