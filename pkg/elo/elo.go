// Package elo maintains artifact ratings from pairwise tournament results.
// Ratings start at 1500 and move by K=32 against the expected score. Updates
// are applied inside the transaction that records the result, with rating
// rows locked in ascending artifact-id order.
package elo

import (
	"context"
	"fmt"
	"math"

	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
)

const (
	// InitialRating is the rating every artifact starts from.
	InitialRating = 1500.0
	// KFactor scales how far one result moves a rating.
	KFactor = 32.0
)

// Expected returns A's expected score against B.
func Expected(ratingA, ratingB float64) float64 {
	return 1 / (1 + math.Pow(10, (ratingB-ratingA)/400))
}

// Update returns both new ratings after one game. scoreA is A's actual
// result: 1 for a win, 0.5 for a tie, 0 for a loss.
func Update(ratingA, ratingB, scoreA float64) (newA, newB float64) {
	expectedA := Expected(ratingA, ratingB)
	newA = ratingA + KFactor*(scoreA-expectedA)
	newB = ratingB + KFactor*((1-scoreA)-(1-expectedA))
	return newA, newB
}

// ScoreA maps a canonical-order verdict to A's score.
func ScoreA(w models.Winner) (float64, error) {
	switch w {
	case models.WinnerA:
		return 1, nil
	case models.WinnerB:
		return 0, nil
	case models.WinnerTie:
		return 0.5, nil
	default:
		return 0, fmt.Errorf("unknown winner %q", w)
	}
}

// Apply updates both artifacts' ratings for one pairwise result. The caller
// runs it in the same transaction that inserted the result. Results with a
// nil winner (terminal judge failures) never move ratings.
func Apply(ctx context.Context, s *store.Store, res *models.PairwiseResult) error {
	if res.Winner == nil {
		return nil
	}
	scoreA, err := ScoreA(*res.Winner)
	if err != nil {
		return err
	}

	// ArtifactA < ArtifactB, so locking A then B is ascending order and
	// concurrent appliers cannot deadlock.
	ratingA, err := s.Evals.LockRating(ctx, res.RunID, res.ArtifactA)
	if err != nil {
		return fmt.Errorf("failed to lock rating for %s: %w", res.ArtifactA, err)
	}
	ratingB, err := s.Evals.LockRating(ctx, res.RunID, res.ArtifactB)
	if err != nil {
		return fmt.Errorf("failed to lock rating for %s: %w", res.ArtifactB, err)
	}

	newA, newB := Update(ratingA.Rating, ratingB.Rating, scoreA)
	if err := s.Evals.UpdateRating(ctx, res.RunID, res.ArtifactA, newA, ratingA.GamesPlayed+1); err != nil {
		return err
	}
	return s.Evals.UpdateRating(ctx, res.RunID, res.ArtifactB, newB, ratingB.GamesPlayed+1)
}

// Recompute re-derives every rating in the run from its stored pairwise
// results, replayed in insertion order. The outcome must match the
// incremental ratings exactly; it exists for audits and for recovery after
// a partial write.
func Recompute(ctx context.Context, s *store.Store, runID string) error {
	return s.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Evals.DeleteRatings(ctx, runID); err != nil {
			return fmt.Errorf("failed to clear ratings: %w", err)
		}
		results, err := tx.Evals.ListPairwise(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to list pairwise results: %w", err)
		}
		for _, res := range results {
			if err := Apply(ctx, tx, res); err != nil {
				return fmt.Errorf("failed to replay result %s: %w", res.ResultID, err)
			}
		}
		return nil
	})
}
