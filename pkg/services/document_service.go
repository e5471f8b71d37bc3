package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/storage"
	"github.com/promptarena/arena/pkg/store"
)

// DocumentService attaches inputs to runs. Documents are tenant-level,
// content-deduplicated entities; the run_documents junction carries the
// per-run state.
type DocumentService struct {
	store   *store.Store
	storage storage.Provider
}

// NewDocumentService creates a DocumentService.
func NewDocumentService(st *store.Store, sp storage.Provider) *DocumentService {
	return &DocumentService{store: st, storage: sp}
}

// Attach adds one document to a pending run. Inline content is persisted
// through the storage provider and deduplicated by sha256; stored references
// are deduplicated by (repo, ref, path).
func (s *DocumentService) Attach(ctx context.Context, tenantID, runID string, spec *models.DocumentSpec) (*models.AttachedDocument, error) {
	run, err := s.pendingRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if err := validateDocumentSpec(spec); err != nil {
		return nil, err
	}

	doc, err := s.resolveDocument(ctx, tenantID, spec)
	if err != nil {
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var attached *models.AttachedDocument
	err = s.store.WithTx(writeCtx, func(tx *store.Store) error {
		attached, err = attachOne(writeCtx, tx, run.RunID, doc)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Document attached",
		"run_id", runID, "document_id", doc.DocumentID,
		"source_kind", doc.SourceKind, "display_name", doc.DisplayName)
	return attached, nil
}

// AttachBatch attaches up to MaxBatchAttach documents in one transaction:
// either every junction row lands or none do. Content writes and document
// rows are prepared first; they are shared entities and survive a rollback
// for reuse.
func (s *DocumentService) AttachBatch(ctx context.Context, tenantID, runID string, specs []*models.DocumentSpec) ([]*models.AttachedDocument, error) {
	run, err := s.pendingRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, NewValidationError("documents", "at least one document is required")
	}
	if len(specs) > models.MaxBatchAttach {
		return nil, NewValidationError("documents",
			fmt.Sprintf("at most %d documents per batch", models.MaxBatchAttach))
	}
	for i, spec := range specs {
		if err := validateDocumentSpec(spec); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
	}

	docs := make([]*models.Document, len(specs))
	for i, spec := range specs {
		doc, err := s.resolveDocument(ctx, tenantID, spec)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		docs[i] = doc
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	attached := make([]*models.AttachedDocument, len(docs))
	err = s.store.WithTx(writeCtx, func(tx *store.Store) error {
		for i, doc := range docs {
			a, err := attachOne(writeCtx, tx, run.RunID, doc)
			if err != nil {
				return fmt.Errorf("document %d: %w", i, err)
			}
			attached[i] = a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Document batch attached", "run_id", runID, "count", len(attached))
	return attached, nil
}

// List returns the run's attached documents with their per-run status, in
// sort order.
func (s *DocumentService) List(ctx context.Context, tenantID, runID string) ([]*models.AttachedDocument, error) {
	run, err := s.store.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return s.store.Documents.ListAttached(ctx, runID)
}

// Detach removes a document from a pending run. The document entity itself
// is retained; only the junction row is deleted.
func (s *DocumentService) Detach(ctx context.Context, tenantID, runID, documentID string) error {
	if _, err := s.pendingRun(ctx, tenantID, runID); err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.store.Documents.Detach(writeCtx, runID, documentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("document %s: %w", documentID, ErrNotAttached)
		}
		return err
	}

	slog.Info("Document detached", "run_id", runID, "document_id", documentID)
	return nil
}

// pendingRun fetches the run and requires it to still be pending; the
// document set is frozen once a run starts.
func (s *DocumentService) pendingRun(ctx context.Context, tenantID, runID string) (*models.Run, error) {
	run, err := s.store.Runs.Get(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	if run.Status != models.RunStatusPending {
		return nil, fmt.Errorf("run is %s: %w", run.Status, ErrRunNotPending)
	}
	return run, nil
}

// attachOne inserts the junction row inside the caller's transaction.
func attachOne(ctx context.Context, tx *store.Store, runID string, doc *models.Document) (*models.AttachedDocument, error) {
	sortOrder, err := tx.Documents.NextSortOrder(ctx, runID)
	if err != nil {
		return nil, err
	}

	rd := &models.RunDocument{
		RunID:      runID,
		DocumentID: doc.DocumentID,
		Status:     models.DocStatusPending,
		SortOrder:  sortOrder,
	}
	if err := tx.Documents.Attach(ctx, rd); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, fmt.Errorf("document %s: %w", doc.DocumentID, ErrAlreadyAttached)
		}
		return nil, err
	}

	return &models.AttachedDocument{
		Document:  doc,
		Status:    models.DocStatusPending,
		SortOrder: sortOrder,
	}, nil
}

// resolveDocument finds an existing document matching the spec or creates a
// new one, writing inline content through the storage provider.
func (s *DocumentService) resolveDocument(ctx context.Context, tenantID string, spec *models.DocumentSpec) (*models.Document, error) {
	if spec.Inline() {
		return s.resolveInline(ctx, tenantID, spec)
	}
	return s.resolveStored(ctx, tenantID, spec)
}

func (s *DocumentService) resolveInline(ctx context.Context, tenantID string, spec *models.DocumentSpec) (*models.Document, error) {
	content := []byte(spec.Content)
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	existing, err := s.store.Documents.FindByContentHash(ctx, tenantID, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	displayName := spec.DisplayName
	if displayName == "" {
		displayName = spec.Filename
	}
	mimeType := spec.MimeType
	if mimeType == "" {
		mimeType = "text/plain"
	}

	doc := &models.Document{
		DocumentID:  store.NewID(),
		TenantID:    tenantID,
		SourceKind:  models.SourceInline,
		Filename:    spec.Filename,
		MimeType:    mimeType,
		ContentHash: hash,
		DisplayName: displayName,
		SizeBytes:   int64(len(content)),
	}
	doc.StoragePath = fmt.Sprintf("documents/%s/%s/%s", tenantID, doc.DocumentID, spec.Filename)

	if _, err := s.storage.Write(ctx, doc.StoragePath, content,
		fmt.Sprintf("add document %s", displayName)); err != nil {
		return nil, fmt.Errorf("store document content: %w", err)
	}
	if err := s.store.Documents.Create(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *DocumentService) resolveStored(ctx context.Context, tenantID string, spec *models.DocumentSpec) (*models.Document, error) {
	existing, err := s.store.Documents.FindByStoredRef(ctx, tenantID, spec.Repo, spec.Ref, spec.Path)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	displayName := spec.DisplayName
	if displayName == "" {
		displayName = path.Base(spec.Path)
	}

	doc := &models.Document{
		DocumentID:  store.NewID(),
		TenantID:    tenantID,
		SourceKind:  models.SourceStored,
		Repo:        spec.Repo,
		Ref:         spec.Ref,
		Path:        spec.Path,
		StoragePath: spec.Path,
		DisplayName: displayName,
	}
	if err := s.store.Documents.Create(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func validateDocumentSpec(spec *models.DocumentSpec) error {
	if spec == nil {
		return NewValidationError("document", "required")
	}
	stored := spec.Repo != "" || spec.Ref != "" || spec.Path != ""
	inline := spec.Inline()

	switch {
	case stored && inline:
		return NewValidationError("document", "provide either a stored reference or inline content, not both")
	case stored:
		if spec.Repo == "" || spec.Ref == "" || spec.Path == "" {
			return NewValidationError("document", "stored references require repo, ref, and path")
		}
	case inline:
		if spec.Content == "" {
			return NewValidationError("content", "required for inline documents")
		}
		if spec.Filename == "" {
			return NewValidationError("filename", "required for inline documents")
		}
		if len(spec.Content) > models.MaxInlineBytes {
			return NewValidationError("content",
				fmt.Sprintf("inline content exceeds %d bytes", models.MaxInlineBytes))
		}
	default:
		return NewValidationError("document", "a stored reference or inline content is required")
	}
	return nil
}
