package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/promptarena/arena/pkg/models"
)

// EvalStore persists evaluation rows, pairwise results, and Elo ratings.
type EvalStore struct {
	q DBTX
}

// InsertRow records one graded score. The unique key makes retries idempotent:
// a second insert for the same (run, artifact, judge, dimension, iteration)
// is a no-op and never overwrites the first. Returns whether the row landed.
func (s *EvalStore) InsertRow(ctx context.Context, row *models.EvaluationRow) (bool, error) {
	var score any
	if row.Score != nil {
		score = *row.Score
	}
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO evaluation_rows (row_id, run_id, artifact_id, judge_model,
		                             dimension, iteration, score, rationale,
		                             failed_parse, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, artifact_id, judge_model, dimension, iteration) DO NOTHING`,
		row.RowID, row.RunID, row.ArtifactID, row.JudgeModel,
		row.Dimension, row.Iteration, score, row.Rationale,
		row.FailedParse, createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert evaluation row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListRows returns a run's evaluation rows, optionally for one artifact.
func (s *EvalStore) ListRows(ctx context.Context, runID, artifactID string) ([]*models.EvaluationRow, error) {
	query := `
		SELECT row_id, run_id, artifact_id, judge_model, dimension, iteration,
		       score, rationale, failed_parse, created_at
		FROM evaluation_rows WHERE run_id = $1`
	args := []any{runID}
	if artifactID != "" {
		query += ` AND artifact_id = $2`
		args = append(args, artifactID)
	}
	query += ` ORDER BY created_at, row_id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list evaluation rows: %w", err)
	}
	defer rows.Close()

	result := []*models.EvaluationRow{}
	for rows.Next() {
		var (
			r     models.EvaluationRow
			score sql.NullInt32
		)
		err := rows.Scan(&r.RowID, &r.RunID, &r.ArtifactID, &r.JudgeModel,
			&r.Dimension, &r.Iteration, &score, &r.Rationale, &r.FailedParse, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan evaluation row: %w", err)
		}
		if score.Valid {
			v := int(score.Int32)
			r.Score = &v
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// RowFailureRate returns the total and terminally-failed graded rows for a
// run, restricted to the given artifacts when provided. A failed row carries
// a null score.
func (s *EvalStore) RowFailureRate(ctx context.Context, runID string, artifactIDs []string) (total, failed int, err error) {
	query := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE score IS NULL)
		FROM evaluation_rows WHERE run_id = $1`
	args := []any{runID}
	if len(artifactIDs) > 0 {
		query += ` AND artifact_id = ANY($2)`
		args = append(args, artifactIDs)
	}

	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&total, &failed); err != nil {
		return 0, 0, fmt.Errorf("evaluation row failure rate: %w", err)
	}
	return total, failed, nil
}

// MeanScores returns each artifact's mean over its non-null scores.
func (s *EvalStore) MeanScores(ctx context.Context, runID string) (map[string]float64, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT artifact_id, AVG(score)
		FROM evaluation_rows
		WHERE run_id = $1 AND score IS NOT NULL
		GROUP BY artifact_id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("mean scores: %w", err)
	}
	defer rows.Close()

	means := map[string]float64{}
	for rows.Next() {
		var (
			id   string
			mean float64
		)
		if err := rows.Scan(&id, &mean); err != nil {
			return nil, err
		}
		means[id] = mean
	}
	return means, rows.Err()
}

// DimensionMeans returns each artifact's per-dimension mean score.
func (s *EvalStore) DimensionMeans(ctx context.Context, runID string) (map[string]map[string]float64, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT artifact_id, dimension, AVG(score)
		FROM evaluation_rows
		WHERE run_id = $1 AND score IS NOT NULL
		GROUP BY artifact_id, dimension`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("dimension means: %w", err)
	}
	defer rows.Close()

	means := map[string]map[string]float64{}
	for rows.Next() {
		var (
			id, dim string
			mean    float64
		)
		if err := rows.Scan(&id, &dim, &mean); err != nil {
			return nil, err
		}
		if means[id] == nil {
			means[id] = map[string]float64{}
		}
		means[id][dim] = mean
	}
	return means, rows.Err()
}

// InsertPairwise records one comparison outcome. Idempotent on the unique
// (run, a, b, judge, iteration) key. Returns whether the row landed; callers
// skip the rating update when it did not.
func (s *EvalStore) InsertPairwise(ctx context.Context, r *models.PairwiseResult) (bool, error) {
	var winner any
	if r.Winner != nil {
		winner = string(*r.Winner)
	}
	var errMsg any
	if r.ErrorMessage != "" {
		errMsg = r.ErrorMessage
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO pairwise_results (result_id, run_id, artifact_a, artifact_b,
		                              judge_model, iteration, winner, flipped,
		                              rationale, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, artifact_a, artifact_b, judge_model, iteration) DO NOTHING`,
		r.ResultID, r.RunID, r.ArtifactA, r.ArtifactB,
		r.JudgeModel, r.Iteration, winner, r.Flipped,
		r.Rationale, errMsg, createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert pairwise result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPairwise returns a run's comparisons in insertion order, the order the
// rating replay depends on.
func (s *EvalStore) ListPairwise(ctx context.Context, runID string) ([]*models.PairwiseResult, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT result_id, run_id, artifact_a, artifact_b, judge_model, iteration,
		       winner, flipped, rationale, error_message, created_at
		FROM pairwise_results
		WHERE run_id = $1
		ORDER BY created_at, result_id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list pairwise results: %w", err)
	}
	defer rows.Close()

	result := []*models.PairwiseResult{}
	for rows.Next() {
		var (
			r              models.PairwiseResult
			winner, errMsg sql.NullString
		)
		err := rows.Scan(&r.ResultID, &r.RunID, &r.ArtifactA, &r.ArtifactB,
			&r.JudgeModel, &r.Iteration, &winner, &r.Flipped,
			&r.Rationale, &errMsg, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan pairwise result: %w", err)
		}
		if winner.Valid {
			w := models.Winner(winner.String)
			r.Winner = &w
		}
		r.ErrorMessage = nullString(errMsg)
		result = append(result, &r)
	}
	return result, rows.Err()
}

// PairFailureRate returns the total and terminally-failed comparisons for a
// run. A failed comparison carries a null winner.
func (s *EvalStore) PairFailureRate(ctx context.Context, runID string) (total, failed int, err error) {
	if err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE winner IS NULL)
		FROM pairwise_results WHERE run_id = $1`,
		runID).Scan(&total, &failed); err != nil {
		return 0, 0, fmt.Errorf("pairwise failure rate: %w", err)
	}
	return total, failed, nil
}

// LockRating ensures a rating row exists and locks it for update. Callers
// must lock rows in ascending artifact-id order to keep the lock order
// consistent across concurrent rating updates.
func (s *EvalStore) LockRating(ctx context.Context, runID, artifactID string) (*models.EloRating, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO elo_ratings (run_id, artifact_id)
		VALUES ($1, $2)
		ON CONFLICT (run_id, artifact_id) DO NOTHING`,
		runID, artifactID)
	if err != nil {
		return nil, fmt.Errorf("ensure rating row: %w", err)
	}

	var r models.EloRating
	err = s.q.QueryRowContext(ctx, `
		SELECT run_id, artifact_id, rating, games_played, updated_at
		FROM elo_ratings
		WHERE run_id = $1 AND artifact_id = $2
		FOR UPDATE`,
		runID, artifactID).Scan(&r.RunID, &r.ArtifactID, &r.Rating, &r.GamesPlayed, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock rating row: %w", err)
	}
	return &r, nil
}

// UpdateRating writes a rating after a comparison is applied.
func (s *EvalStore) UpdateRating(ctx context.Context, runID, artifactID string, rating float64, gamesPlayed int) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE elo_ratings
		SET rating = $3, games_played = $4, updated_at = now()
		WHERE run_id = $1 AND artifact_id = $2`,
		runID, artifactID, rating, gamesPlayed)
	if err != nil {
		return fmt.Errorf("update rating: %w", err)
	}
	return nil
}

// ListRatings returns a run's ratings in ranking order: rating descending,
// then games played descending, then artifact id ascending.
func (s *EvalStore) ListRatings(ctx context.Context, runID string) ([]*models.EloRating, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT run_id, artifact_id, rating, games_played, updated_at
		FROM elo_ratings
		WHERE run_id = $1
		ORDER BY rating DESC, games_played DESC, artifact_id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	defer rows.Close()

	result := []*models.EloRating{}
	for rows.Next() {
		var r models.EloRating
		if err := rows.Scan(&r.RunID, &r.ArtifactID, &r.Rating, &r.GamesPlayed, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// GetRating fetches one rating. Returns (nil, nil) when absent.
func (s *EvalStore) GetRating(ctx context.Context, runID, artifactID string) (*models.EloRating, error) {
	var r models.EloRating
	err := s.q.QueryRowContext(ctx, `
		SELECT run_id, artifact_id, rating, games_played, updated_at
		FROM elo_ratings
		WHERE run_id = $1 AND artifact_id = $2`,
		runID, artifactID).Scan(&r.RunID, &r.ArtifactID, &r.Rating, &r.GamesPlayed, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get rating: %w", err)
	}
	return &r, nil
}

// DeleteRatings clears a run's ratings ahead of a deterministic replay.
func (s *EvalStore) DeleteRatings(ctx context.Context, runID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM elo_ratings WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete ratings: %w", err)
	}
	return nil
}
