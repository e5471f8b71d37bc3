package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/promptarena/arena/pkg/models"
)

// DocumentStore persists documents and the run↔document junction.
type DocumentStore struct {
	q DBTX
}

const documentColumns = `document_id, tenant_id, source_kind, repo, ref, path,
       filename, mime_type, storage_path, content_hash, display_name, size_bytes, created_at`

// Create inserts a new document.
func (s *DocumentStore) Create(ctx context.Context, doc *models.Document) error {
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO documents (document_id, tenant_id, source_kind, repo, ref, path,
		                       filename, mime_type, storage_path, content_hash,
		                       display_name, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		doc.DocumentID, doc.TenantID, doc.SourceKind, doc.Repo, doc.Ref, doc.Path,
		doc.Filename, doc.MimeType, doc.StoragePath, doc.ContentHash,
		doc.DisplayName, doc.SizeBytes, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Get fetches one document scoped to a tenant. Returns (nil, nil) when absent.
func (s *DocumentStore) Get(ctx context.Context, tenantID, documentID string) (*models.Document, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE document_id = $1 AND tenant_id = $2`,
		documentID, tenantID)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

// FindByStoredRef looks up an existing stored document by its (repo, ref,
// path) triple so repeated attaches reuse the row. Returns (nil, nil) when
// absent.
func (s *DocumentStore) FindByStoredRef(ctx context.Context, tenantID, repo, ref, path string) (*models.Document, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE tenant_id = $1 AND source_kind = 'stored' AND repo = $2 AND ref = $3 AND path = $4
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, repo, ref, path)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

// FindByContentHash deduplicates inline uploads by content hash. Returns
// (nil, nil) when absent.
func (s *DocumentStore) FindByContentHash(ctx context.Context, tenantID, hash string) (*models.Document, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE tenant_id = $1 AND content_hash = $2
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, hash)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

// Attach inserts a junction row. Duplicate attaches surface as a unique
// violation which callers map to DOCUMENT_ALREADY_ATTACHED.
func (s *DocumentStore) Attach(ctx context.Context, rd *models.RunDocument) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO run_documents (run_id, document_id, status, sort_order)
		VALUES ($1, $2, $3, $4)`,
		rd.RunID, rd.DocumentID, rd.Status, rd.SortOrder)
	if err != nil {
		return fmt.Errorf("attach document: %w", err)
	}
	return nil
}

// Detach removes a junction row; the document itself stays. Returns
// sql.ErrNoRows when the document was not attached.
func (s *DocumentStore) Detach(ctx context.Context, runID, documentID string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM run_documents WHERE run_id = $1 AND document_id = $2`,
		runID, documentID)
	if err != nil {
		return fmt.Errorf("detach document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// NextSortOrder returns the insertion position for the next attached document.
func (s *DocumentStore) NextSortOrder(ctx context.Context, runID string) (int, error) {
	var next int
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sort_order), -1) + 1 FROM run_documents WHERE run_id = $1`,
		runID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next sort_order: %w", err)
	}
	return next, nil
}

// ListAttached returns a run's documents joined with their junction state,
// ordered by attach position.
func (s *DocumentStore) ListAttached(ctx context.Context, runID string) ([]*models.AttachedDocument, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT d.document_id, d.tenant_id, d.source_kind, d.repo, d.ref, d.path,
		       d.filename, d.mime_type, d.storage_path, d.content_hash,
		       d.display_name, d.size_bytes, d.created_at,
		       rd.status, rd.sort_order, rd.error_message, rd.started_at, rd.completed_at
		FROM run_documents rd
		JOIN documents d ON d.document_id = rd.document_id
		WHERE rd.run_id = $1
		ORDER BY rd.sort_order, rd.document_id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list attached documents: %w", err)
	}
	defer rows.Close()

	result := []*models.AttachedDocument{}
	for rows.Next() {
		var (
			doc                    models.Document
			ad                     models.AttachedDocument
			errMsg                 sql.NullString
			startedAt, completedAt sql.NullTime
		)
		err := rows.Scan(
			&doc.DocumentID, &doc.TenantID, &doc.SourceKind, &doc.Repo, &doc.Ref, &doc.Path,
			&doc.Filename, &doc.MimeType, &doc.StoragePath, &doc.ContentHash,
			&doc.DisplayName, &doc.SizeBytes, &doc.CreatedAt,
			&ad.Status, &ad.SortOrder, &errMsg, &startedAt, &completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan attached document: %w", err)
		}
		ad.Document = &doc
		ad.ErrorMessage = nullString(errMsg)
		ad.StartedAt = nullTime(startedAt)
		ad.CompletedAt = nullTime(completedAt)
		result = append(result, &ad)
	}
	return result, rows.Err()
}

// IsAttached reports whether the junction row exists.
func (s *DocumentStore) IsAttached(ctx context.Context, runID, documentID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM run_documents WHERE run_id = $1 AND document_id = $2)`,
		runID, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check attachment: %w", err)
	}
	return exists, nil
}

// SetDocStatus moves a junction row's per-run state, stamping started_at and
// completed_at as the document enters and leaves processing.
func (s *DocumentStore) SetDocStatus(ctx context.Context, runID, documentID string, status models.RunDocumentStatus, errMsg string) error {
	set := `status = $3`
	args := []any{runID, documentID, status}
	argN := 4

	switch status {
	case models.DocStatusProcessing:
		set += `, started_at = now()`
	case models.DocStatusCompleted, models.DocStatusSkipped, models.DocStatusFailed:
		set += `, completed_at = now()`
	}
	if errMsg != "" {
		set += fmt.Sprintf(", error_message = $%d", argN)
		args = append(args, errMsg)
	}

	_, err := s.q.ExecContext(ctx,
		`UPDATE run_documents SET `+set+` WHERE run_id = $1 AND document_id = $2`, args...)
	if err != nil {
		return fmt.Errorf("set run_document status: %w", err)
	}
	return nil
}

// CountDocsByStatus aggregates a run's junction rows by status.
func (s *DocumentStore) CountDocsByStatus(ctx context.Context, runID string) (map[models.RunDocumentStatus]int, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM run_documents WHERE run_id = $1 GROUP BY status`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("count run documents: %w", err)
	}
	defer rows.Close()

	counts := map[models.RunDocumentStatus]int{}
	for rows.Next() {
		var (
			status models.RunDocumentStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanDocument(row *sql.Row) (*models.Document, error) {
	var doc models.Document
	err := row.Scan(
		&doc.DocumentID, &doc.TenantID, &doc.SourceKind, &doc.Repo, &doc.Ref, &doc.Path,
		&doc.Filename, &doc.MimeType, &doc.StoragePath, &doc.ContentHash,
		&doc.DisplayName, &doc.SizeBytes, &doc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
