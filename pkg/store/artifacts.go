package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/promptarena/arena/pkg/models"
)

// ArtifactStore persists generated artifacts.
type ArtifactStore struct {
	q DBTX
}

const artifactColumns = `artifact_id, run_id, document_id, generator, model_id,
       storage_path, content_hash, cost_usd, token_count, generation_ms, metadata, created_at`

// Insert records one artifact. Artifacts are immutable: there is no update.
func (s *ArtifactStore) Insert(ctx context.Context, a *models.Artifact) error {
	meta := a.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	var docID any
	if a.DocumentID != "" {
		docID = a.DocumentID
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, run_id, document_id, generator, model_id,
		                       storage_path, content_hash, cost_usd, token_count,
		                       generation_ms, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ArtifactID, a.RunID, docID, a.Generator, a.ModelID,
		a.StoragePath, a.ContentHash, a.CostUSD, a.TokenCount,
		a.GenerationMS, []byte(meta), createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// Get fetches one artifact. Returns (nil, nil) when absent.
func (s *ArtifactStore) Get(ctx context.Context, artifactID string) (*models.Artifact, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id = $1`, artifactID)

	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// ListByRun returns a run's artifacts, oldest first, optionally filtered by
// generator and document.
func (s *ArtifactStore) ListByRun(ctx context.Context, runID, generator, documentID string) ([]*models.Artifact, error) {
	where := ` WHERE run_id = $1`
	args := []any{runID}
	argN := 2

	if generator != "" {
		where += fmt.Sprintf(" AND generator = $%d", argN)
		args = append(args, generator)
		argN++
	}
	if documentID != "" {
		where += fmt.Sprintf(" AND document_id = $%d", argN)
		args = append(args, documentID)
		argN++
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts`+where+` ORDER BY created_at, artifact_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	result := []*models.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// CountByRun returns the number of artifacts a run has produced, optionally
// for one document only.
func (s *ArtifactStore) CountByRun(ctx context.Context, runID, documentID string) (int, error) {
	query := `SELECT COUNT(*) FROM artifacts WHERE run_id = $1`
	args := []any{runID}
	if documentID != "" {
		query += ` AND document_id = $2`
		args = append(args, documentID)
	}

	var n int
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return n, nil
}

// TotalCost sums a run's artifact spend in USD.
func (s *ArtifactStore) TotalCost(ctx context.Context, runID string) (float64, error) {
	var total float64
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM artifacts WHERE run_id = $1`, runID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total artifact cost: %w", err)
	}
	return total, nil
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var (
		a     models.Artifact
		docID sql.NullString
		meta  []byte
	)
	err := row.Scan(
		&a.ArtifactID, &a.RunID, &docID, &a.Generator, &a.ModelID,
		&a.StoragePath, &a.ContentHash, &a.CostUSD, &a.TokenCount,
		&a.GenerationMS, &meta, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}

	a.DocumentID = nullString(docID)
	a.Metadata = json.RawMessage(meta)
	return &a, nil
}
