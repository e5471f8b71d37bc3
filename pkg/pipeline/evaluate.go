package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/elo"
	"github.com/promptarena/arena/pkg/judge"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
)

// judgeModelID is the judge identity recorded on evaluation rows and
// pairwise results. Provider-qualified so two providers hosting a model
// under the same name count as distinct judges.
func judgeModelID(provider, model string) string {
	return provider + "/" + model
}

// runSingleEval scores every generation artifact on every rubric dimension
// with every configured judge. The phase fails the run when at least half
// the scheduled rows end without a score.
func (s *Scheduler) runSingleEval(ctx context.Context, st *execState) (*phaseStats, string, error) {
	artifacts, err := s.generationArtifacts(ctx, st)
	if err != nil {
		return nil, "", err
	}
	if len(artifacts) == 0 {
		s.skipPhase(st.run.RunID, models.PhaseSingleEval, "no artifacts to evaluate")
		return nil, "", nil
	}

	rubrics := judge.Rubrics(st.cfg.Eval.Rubrics)
	tasks := s.planRubricEval(st, artifacts, judge.Dimensions(rubrics), models.TaskSingleEval)
	if err := s.insertPhaseTasks(ctx, st.run.RunID, models.PhaseSingleEval, tasks); err != nil {
		return nil, "", err
	}

	stats := s.runTasks(ctx, st.run.RunID, tasks, s.workersFor(st, models.PhaseSingleEval),
		s.rubricEvalTask(st, rubrics, artifactIndex(artifacts)))
	if ctx.Err() != nil {
		return stats, "", nil
	}

	if err := s.reconcileFailedRows(ctx, st.run.RunID, models.TaskSingleEval); err != nil {
		return nil, "", err
	}
	failSummary, err := s.rowThreshold(ctx, st.run.RunID, models.PhaseSingleEval, artifacts)
	if err != nil {
		return nil, "", err
	}
	return stats, failSummary, nil
}

// runPostCombineEval applies the single-eval rule to the combined artifacts.
func (s *Scheduler) runPostCombineEval(ctx context.Context, st *execState) (*phaseStats, string, error) {
	artifacts, err := s.deps.Store.Artifacts.ListByRun(ctx, st.run.RunID, models.GeneratorCombine, "")
	if err != nil {
		return nil, "", fmt.Errorf("list combined artifacts: %w", err)
	}
	if len(artifacts) == 0 {
		s.skipPhase(st.run.RunID, models.PhasePostCombineEval, "no combined artifacts to evaluate")
		return nil, "", nil
	}

	rubrics := judge.Rubrics(st.cfg.Eval.Rubrics)
	tasks := s.planRubricEval(st, artifacts, judge.Dimensions(rubrics), models.TaskPostCombineEval)
	if err := s.insertPhaseTasks(ctx, st.run.RunID, models.PhasePostCombineEval, tasks); err != nil {
		return nil, "", err
	}

	stats := s.runTasks(ctx, st.run.RunID, tasks, s.workersFor(st, models.PhasePostCombineEval),
		s.rubricEvalTask(st, rubrics, artifactIndex(artifacts)))
	if ctx.Err() != nil {
		return stats, "", nil
	}

	if err := s.reconcileFailedRows(ctx, st.run.RunID, models.TaskPostCombineEval); err != nil {
		return nil, "", err
	}
	failSummary, err := s.rowThreshold(ctx, st.run.RunID, models.PhasePostCombineEval, artifacts)
	if err != nil {
		return nil, "", err
	}
	return stats, failSummary, nil
}

// planRubricEval builds artifact × judge × dimension × iteration tasks.
func (s *Scheduler) planRubricEval(st *execState, artifacts []*models.Artifact, dims []string, kind models.TaskKind) []*models.Task {
	var tasks []*models.Task
	order := 0
	for _, artifact := range artifacts {
		for _, j := range st.cfg.Eval.Judges {
			for _, dim := range dims {
				for iter := 1; iter <= st.cfg.Eval.Iterations; iter++ {
					payload, _ := json.Marshal(models.SingleEvalPayload{
						ArtifactID: artifact.ArtifactID,
						Provider:   j.Provider,
						Model:      j.Model,
						Dimension:  dim,
						Iteration:  iter,
					})
					tasks = append(tasks, &models.Task{
						TaskID:     store.NewID(),
						RunID:      st.run.RunID,
						DocumentID: artifact.DocumentID,
						Kind:       kind,
						Payload:    payload,
						Status:     models.TaskStatusPending,
						SortOrder:  order,
					})
					order++
				}
			}
		}
	}
	return tasks
}

// rubricEvalTask returns the task function for one rubric-scoring batch.
// Judge outcomes always land as a row: parse failures get a null score with
// failed_parse set, transport failures surface as task errors and are
// reconciled into null rows after the phase.
func (s *Scheduler) rubricEvalTask(st *execState, rubrics map[string]string, index map[string]*models.Artifact) taskFunc {
	return func(ctx context.Context, task *models.Task) error {
		var payload models.SingleEvalPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decode single-eval payload: %w", err)
		}
		artifact, ok := index[payload.ArtifactID]
		if !ok {
			return fmt.Errorf("artifact %s not found", payload.ArtifactID)
		}
		apiKey, ok := st.keys[payload.Provider]
		if !ok {
			return fmt.Errorf("no provider key stored for %q", payload.Provider)
		}
		body, err := s.artifactBody(ctx, st, artifact)
		if err != nil {
			return err
		}

		outcome, err := s.deps.Judge.ScoreSingle(ctx, &judge.SingleRequest{
			RunID:      st.run.RunID,
			ArtifactID: payload.ArtifactID,
			Content:    body,
			Judge:      config.ModelRef{Provider: payload.Provider, Model: payload.Model},
			Dimension:  payload.Dimension,
			Rubric:     rubrics[payload.Dimension],
			Iteration:  payload.Iteration,
		}, apiKey)
		if err != nil {
			return err
		}

		_, err = s.deps.Store.Evals.InsertRow(ctx, &models.EvaluationRow{
			RowID:       store.NewID(),
			RunID:       st.run.RunID,
			ArtifactID:  payload.ArtifactID,
			JudgeModel:  judgeModelID(payload.Provider, payload.Model),
			Dimension:   payload.Dimension,
			Iteration:   payload.Iteration,
			Score:       outcome.Score,
			Rationale:   outcome.Rationale,
			FailedParse: outcome.FailedParse,
		})
		if err != nil {
			return fmt.Errorf("insert evaluation row: %w", err)
		}
		return nil
	}
}

// reconcileFailedRows records a null-score row for every failed task of the
// given kind. Tasks that fail in transport never reach the store on their
// own, and the 50% threshold must count every scheduled unit. The insert
// no-ops for rows a retried attempt already landed.
func (s *Scheduler) reconcileFailedRows(ctx context.Context, runID string, kind models.TaskKind) error {
	failed, err := s.deps.Store.Tasks.ListByRun(ctx, runID, models.TaskStatusFailed, kind)
	if err != nil {
		return fmt.Errorf("list failed %s tasks: %w", kind, err)
	}
	for _, task := range failed {
		var payload models.SingleEvalPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			slog.Error("Failed task has undecodable payload",
				"run_id", runID, "task_id", task.TaskID, "error", err)
			continue
		}
		_, err := s.deps.Store.Evals.InsertRow(ctx, &models.EvaluationRow{
			RowID:      store.NewID(),
			RunID:      runID,
			ArtifactID: payload.ArtifactID,
			JudgeModel: judgeModelID(payload.Provider, payload.Model),
			Dimension:  payload.Dimension,
			Iteration:  payload.Iteration,
		})
		if err != nil {
			return fmt.Errorf("record failed evaluation row: %w", err)
		}
	}
	return nil
}

// rowThreshold applies the 50% rule over the rows of the given artifact set.
func (s *Scheduler) rowThreshold(ctx context.Context, runID string, phase models.Phase, artifacts []*models.Artifact) (string, error) {
	ids := make([]string, len(artifacts))
	for i, a := range artifacts {
		ids[i] = a.ArtifactID
	}
	total, failed, err := s.deps.Store.Evals.RowFailureRate(ctx, runID, ids)
	if err != nil {
		return "", fmt.Errorf("compute row failure rate: %w", err)
	}
	if total > 0 && failed*2 >= total {
		return fmt.Sprintf("%s failed: %d of %d rows failed", phase, failed, total), nil
	}
	return "", nil
}

// runPairwiseEval runs the configured tournament over the generation
// artifacts. Swiss pairs round by round from live standings; round-robin and
// top-k schedule their full pair set up front. The phase fails the run when
// at least half the scheduled pairs end without a verdict.
func (s *Scheduler) runPairwiseEval(ctx context.Context, st *execState) (*phaseStats, string, error) {
	artifacts, err := s.generationArtifacts(ctx, st)
	if err != nil {
		return nil, "", err
	}
	if len(artifacts) < 2 {
		s.skipPhase(st.run.RunID, models.PhasePairwiseEval, "fewer than two artifacts to compare")
		return nil, "", nil
	}
	index := artifactIndex(artifacts)

	var stats *phaseStats
	if st.cfg.Eval.PairwiseStrategy == config.StrategySwiss {
		stats, err = s.runSwissRounds(ctx, st, artifacts, index)
	} else {
		stats, err = s.runStaticTournament(ctx, st, artifacts, index)
	}
	if err != nil {
		return nil, "", err
	}
	if ctx.Err() != nil {
		return stats, "", nil
	}

	if err := s.reconcileFailedPairs(ctx, st.run.RunID); err != nil {
		return nil, "", err
	}
	total, failed, err := s.deps.Store.Evals.PairFailureRate(ctx, st.run.RunID)
	if err != nil {
		return nil, "", fmt.Errorf("compute pair failure rate: %w", err)
	}
	if total > 0 && failed*2 >= total {
		return stats, fmt.Sprintf("%s failed: %d of %d pairs failed", models.PhasePairwiseEval, failed, total), nil
	}
	return stats, "", nil
}

// runStaticTournament schedules the full pair set in one batch: every pair ×
// every judge × eval.iterations.
func (s *Scheduler) runStaticTournament(ctx context.Context, st *execState, artifacts []*models.Artifact, index map[string]*models.Artifact) (*phaseStats, error) {
	pairs, err := s.staticPairs(ctx, st, artifacts)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return &phaseStats{}, nil
	}

	var tasks []*models.Task
	order := 0
	for iter := 1; iter <= st.cfg.Eval.Iterations; iter++ {
		tasks = append(tasks, s.planPairRound(st, pairs, iter, &order)...)
	}
	if err := s.insertPhaseTasks(ctx, st.run.RunID, models.PhasePairwiseEval, tasks); err != nil {
		return nil, err
	}
	return s.runTasks(ctx, st.run.RunID, tasks, s.workersFor(st, models.PhasePairwiseEval),
		s.pairwiseTask(st, index)), nil
}

// staticPairs enumerates the pair set for the round-robin and top-k
// strategies. Top-k ranks on mean single-eval scores; artifacts the single
// phase never scored rank last.
func (s *Scheduler) staticPairs(ctx context.Context, st *execState, artifacts []*models.Artifact) ([]judge.Pair, error) {
	if st.cfg.Eval.PairwiseStrategy == config.StrategyTopK {
		means, err := s.deps.Store.Evals.MeanScores(ctx, st.run.RunID)
		if err != nil {
			return nil, fmt.Errorf("load mean scores: %w", err)
		}
		standings := make([]judge.Standing, len(artifacts))
		for i, a := range artifacts {
			standings[i] = judge.Standing{ArtifactID: a.ArtifactID, Score: means[a.ArtifactID]}
		}
		return judge.TopKPairs(standings, st.cfg.Eval.PairwiseTopN), nil
	}

	ids := make([]string, len(artifacts))
	for i, a := range artifacts {
		ids[i] = a.ArtifactID
	}
	return judge.RoundRobinPairs(ids), nil
}

// runSwissRounds plays ceil(log2 n) rounds, re-pairing each round from the
// Elo standings produced by the previous ones. The round number doubles as
// the iteration so rematches stay unique.
func (s *Scheduler) runSwissRounds(ctx context.Context, st *execState, artifacts []*models.Artifact, index map[string]*models.Artifact) (*phaseStats, error) {
	agg := &phaseStats{}
	rounds := judge.SwissRounds(len(artifacts))
	order := 0

	for round := 1; round <= rounds; round++ {
		if ctx.Err() != nil {
			return agg, nil
		}
		standings, err := s.swissStandings(ctx, st.run.RunID, artifacts)
		if err != nil {
			return nil, err
		}
		played, err := s.playedPairs(ctx, st.run.RunID)
		if err != nil {
			return nil, err
		}
		pairs := judge.SwissPairs(standings, played)
		if len(pairs) == 0 {
			break
		}

		tasks := s.planPairRound(st, pairs, round, &order)
		if err := s.insertRoundTasks(ctx, st.run.RunID, round, tasks); err != nil {
			return nil, err
		}
		roundStats := s.runTasks(ctx, st.run.RunID, tasks, s.workersFor(st, models.PhasePairwiseEval),
			s.pairwiseTask(st, index))
		agg.Succeeded += roundStats.Succeeded
		agg.Failed += roundStats.Failed
		agg.Cancelled += roundStats.Cancelled
		if roundStats.LastError != "" {
			agg.LastError = roundStats.LastError
		}
	}
	return agg, nil
}

// swissStandings ranks artifacts by current Elo rating. Artifacts with no
// rating row yet stand at the initial rating.
func (s *Scheduler) swissStandings(ctx context.Context, runID string, artifacts []*models.Artifact) ([]judge.Standing, error) {
	ratings, err := s.deps.Store.Evals.ListRatings(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	byArtifact := make(map[string]float64, len(ratings))
	for _, r := range ratings {
		byArtifact[r.ArtifactID] = r.Rating
	}

	standings := make([]judge.Standing, len(artifacts))
	for i, a := range artifacts {
		rating, ok := byArtifact[a.ArtifactID]
		if !ok {
			rating = elo.InitialRating
		}
		standings[i] = judge.Standing{ArtifactID: a.ArtifactID, Score: rating}
	}
	return standings, nil
}

// playedPairs collects every pair with a recorded result, across rounds and
// judges.
func (s *Scheduler) playedPairs(ctx context.Context, runID string) (map[judge.Pair]bool, error) {
	results, err := s.deps.Store.Evals.ListPairwise(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list pairwise results: %w", err)
	}
	played := make(map[judge.Pair]bool, len(results))
	for _, r := range results {
		played[judge.NewPair(r.ArtifactA, r.ArtifactB)] = true
	}
	return played, nil
}

// planPairRound builds pair × judge tasks for one iteration (or swiss round).
func (s *Scheduler) planPairRound(st *execState, pairs []judge.Pair, iteration int, order *int) []*models.Task {
	var tasks []*models.Task
	for _, pair := range pairs {
		for _, j := range st.cfg.Eval.Judges {
			payload, _ := json.Marshal(models.PairwisePayload{
				ArtifactA: pair.A,
				ArtifactB: pair.B,
				Provider:  j.Provider,
				Model:     j.Model,
				Iteration: iteration,
			})
			tasks = append(tasks, &models.Task{
				TaskID:    store.NewID(),
				RunID:     st.run.RunID,
				Kind:      models.TaskPairwiseEval,
				Payload:   payload,
				Status:    models.TaskStatusPending,
				SortOrder: *order,
			})
			*order++
		}
	}
	return tasks
}

// insertRoundTasks is insertPhaseTasks with a round-labelled timeline event;
// swiss emits one per round since later rounds cannot be planned up front.
func (s *Scheduler) insertRoundTasks(ctx context.Context, runID string, round int, tasks []*models.Task) error {
	details, _ := json.Marshal(map[string]any{
		"phase":      models.PhasePairwiseEval,
		"round":      round,
		"task_count": len(tasks),
	})
	return s.deps.Store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Tasks.InsertBatch(ctx, tasks); err != nil {
			return fmt.Errorf("insert pairwise round %d tasks: %w", round, err)
		}
		return tx.Events.Insert(ctx, &models.RunEvent{
			EventID:   store.NewID(),
			RunID:     runID,
			EventType: models.EventPhaseStarted,
			Message:   fmt.Sprintf("%s round %d started with %d tasks", models.PhasePairwiseEval, round, len(tasks)),
			Details:   details,
		})
	})
}

// pairwiseTask returns the task function for one comparison batch.
func (s *Scheduler) pairwiseTask(st *execState, index map[string]*models.Artifact) taskFunc {
	return func(ctx context.Context, task *models.Task) error {
		var payload models.PairwisePayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decode pairwise payload: %w", err)
		}
		a, ok := index[payload.ArtifactA]
		if !ok {
			return fmt.Errorf("artifact %s not found", payload.ArtifactA)
		}
		b, ok := index[payload.ArtifactB]
		if !ok {
			return fmt.Errorf("artifact %s not found", payload.ArtifactB)
		}
		apiKey, ok := st.keys[payload.Provider]
		if !ok {
			return fmt.Errorf("no provider key stored for %q", payload.Provider)
		}
		bodyA, err := s.artifactBody(ctx, st, a)
		if err != nil {
			return err
		}
		bodyB, err := s.artifactBody(ctx, st, b)
		if err != nil {
			return err
		}

		outcome, err := s.deps.Judge.Compare(ctx, &judge.PairwiseRequest{
			RunID:     st.run.RunID,
			ArtifactA: judge.ArtifactRef{ID: payload.ArtifactA, Content: bodyA},
			ArtifactB: judge.ArtifactRef{ID: payload.ArtifactB, Content: bodyB},
			Judge:     config.ModelRef{Provider: payload.Provider, Model: payload.Model},
			Iteration: payload.Iteration,
		}, apiKey)
		if err != nil {
			return err
		}

		return s.recordPairwise(ctx, &models.PairwiseResult{
			ResultID:     store.NewID(),
			RunID:        st.run.RunID,
			ArtifactA:    payload.ArtifactA,
			ArtifactB:    payload.ArtifactB,
			JudgeModel:   judgeModelID(payload.Provider, payload.Model),
			Iteration:    payload.Iteration,
			Winner:       outcome.Winner,
			Flipped:      outcome.Flipped,
			Rationale:    outcome.Rationale,
			ErrorMessage: outcome.ErrorMessage,
		})
	}
}

// recordPairwise lands the result and its Elo update in one transaction.
// A duplicate unique key means an earlier attempt already landed and the
// ratings must not move again.
func (s *Scheduler) recordPairwise(ctx context.Context, res *models.PairwiseResult) error {
	return s.deps.Store.WithTx(ctx, func(tx *store.Store) error {
		landed, err := tx.Evals.InsertPairwise(ctx, res)
		if err != nil {
			return fmt.Errorf("insert pairwise result: %w", err)
		}
		if !landed {
			return nil
		}
		return elo.Apply(ctx, tx, res)
	})
}

// reconcileFailedPairs records a null-winner result for every failed
// pairwise task, so the threshold counts pairs that never produced a
// verdict. Elo never moves for them.
func (s *Scheduler) reconcileFailedPairs(ctx context.Context, runID string) error {
	failed, err := s.deps.Store.Tasks.ListByRun(ctx, runID, models.TaskStatusFailed, models.TaskPairwiseEval)
	if err != nil {
		return fmt.Errorf("list failed pairwise tasks: %w", err)
	}
	for _, task := range failed {
		var payload models.PairwisePayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			slog.Error("Failed task has undecodable payload",
				"run_id", runID, "task_id", task.TaskID, "error", err)
			continue
		}
		err := s.recordPairwise(ctx, &models.PairwiseResult{
			ResultID:     store.NewID(),
			RunID:        runID,
			ArtifactA:    payload.ArtifactA,
			ArtifactB:    payload.ArtifactB,
			JudgeModel:   judgeModelID(payload.Provider, payload.Model),
			Iteration:    payload.Iteration,
			ErrorMessage: task.LastError,
		})
		if err != nil {
			return fmt.Errorf("record failed pair: %w", err)
		}
	}
	return nil
}

// generationArtifacts lists the run's per-document artifacts, excluding
// combined output.
func (s *Scheduler) generationArtifacts(ctx context.Context, st *execState) ([]*models.Artifact, error) {
	artifacts, err := s.deps.Store.Artifacts.ListByRun(ctx, st.run.RunID, "", "")
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	kept := artifacts[:0]
	for _, a := range artifacts {
		if a.DocumentID != "" {
			kept = append(kept, a)
		}
	}
	return kept, nil
}

func artifactIndex(artifacts []*models.Artifact) map[string]*models.Artifact {
	index := make(map[string]*models.Artifact, len(artifacts))
	for _, a := range artifacts {
		index[a.ArtifactID] = a
	}
	return index
}
