package services

import (
	"context"
	"sort"

	"github.com/promptarena/arena/pkg/elo"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
)

// Result sort orders.
const (
	SortByElo   = "elo"
	SortByScore = "score"
)

// EvalService reads evaluation progress and rankings.
type EvalService struct {
	store *store.Store
}

// NewEvalService creates an EvalService.
func NewEvalService(st *store.Store) *EvalService {
	return &EvalService{store: st}
}

// evalPhases are the phases surfaced by Status, in pipeline order.
var evalPhases = []struct {
	phase models.Phase
	kind  models.TaskKind
}{
	{models.PhaseSingleEval, models.TaskSingleEval},
	{models.PhasePairwiseEval, models.TaskPairwiseEval},
	{models.PhasePostCombineEval, models.TaskPostCombineEval},
}

// Status reports per-phase evaluation task progress.
func (s *EvalService) Status(ctx context.Context, tenantID, runID string) (*models.EvalStatusResponse, error) {
	run, err := s.store.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	resp := &models.EvalStatusResponse{RunID: runID, RunStatus: run.Status}
	for _, p := range evalPhases {
		counts, err := s.store.Tasks.CountByStatus(ctx, runID, p.kind)
		if err != nil {
			return nil, err
		}
		scheduled := 0
		for _, n := range counts {
			scheduled += n
		}
		resp.Phases = append(resp.Phases, models.EvalPhaseProgress{
			Phase:     p.phase,
			Scheduled: scheduled,
			Succeeded: counts[models.TaskStatusSucceeded],
			Failed:    counts[models.TaskStatusFailed],
			Pending:   counts[models.TaskStatusPending] + counts[models.TaskStatusRunning],
		})
	}
	return resp, nil
}

// Results ranks the run's artifacts. Every artifact appears: ones that never
// played a pairwise game carry the initial rating with zero games. Ties break
// on higher rating, then more games played, then smaller artifact id.
func (s *EvalService) Results(ctx context.Context, tenantID, runID string, limit int, sortBy string) (*models.EvalResultsResponse, error) {
	run, err := s.store.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	switch sortBy {
	case "":
		sortBy = SortByElo
	case SortByElo, SortByScore:
	default:
		return nil, NewValidationError("sort_by", "must be elo or score")
	}
	if limit <= 0 {
		limit = 50
	}

	artifacts, err := s.store.Artifacts.ListByRun(ctx, runID, "", "")
	if err != nil {
		return nil, err
	}
	ratings, err := s.store.Evals.ListRatings(ctx, runID)
	if err != nil {
		return nil, err
	}
	means, err := s.store.Evals.MeanScores(ctx, runID)
	if err != nil {
		return nil, err
	}
	dims, err := s.store.Evals.DimensionMeans(ctx, runID)
	if err != nil {
		return nil, err
	}

	ratingByArtifact := make(map[string]*models.EloRating, len(ratings))
	for _, r := range ratings {
		ratingByArtifact[r.ArtifactID] = r
	}

	entries := make([]*models.RankingEntry, 0, len(artifacts))
	for _, a := range artifacts {
		entry := &models.RankingEntry{
			ArtifactID: a.ArtifactID,
			DocumentID: a.DocumentID,
			Generator:  a.Generator,
			ModelID:    a.ModelID,
			Rating:     elo.InitialRating,
			MeanScore:  means[a.ArtifactID],
			Dimensions: dims[a.ArtifactID],
			CostUSD:    a.CostUSD,
		}
		if r := ratingByArtifact[a.ArtifactID]; r != nil {
			entry.Rating = r.Rating
			entry.GamesPlayed = r.GamesPlayed
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if sortBy == SortByScore && a.MeanScore != b.MeanScore {
			return a.MeanScore > b.MeanScore
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if a.GamesPlayed != b.GamesPlayed {
			return a.GamesPlayed > b.GamesPlayed
		}
		return a.ArtifactID < b.ArtifactID
	})

	for i, e := range entries {
		e.Rank = i + 1
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return &models.EvalResultsResponse{RunID: runID, SortBy: sortBy, Rankings: entries}, nil
}
