package models

import "time"

// SourceKind distinguishes how a document's content is supplied.
type SourceKind string

const (
	SourceStored SourceKind = "stored" // repository + ref + path
	SourceInline SourceKind = "inline" // raw content uploaded at attach time
)

// Document size and batch limits.
const (
	MaxInlineBytes = 1 << 20 // 1 MiB
	MaxBatchAttach = 100
)

// Document is one input shared across runs.
type Document struct {
	DocumentID  string     `json:"document_id"`
	TenantID    string     `json:"tenant_id"`
	SourceKind  SourceKind `json:"source_kind"`
	Repo        string     `json:"repo,omitempty"`
	Ref         string     `json:"ref,omitempty"`
	Path        string     `json:"path,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	MimeType    string     `json:"mime_type,omitempty"`
	StoragePath string     `json:"storage_path,omitempty"`
	ContentHash string     `json:"content_hash,omitempty"`
	DisplayName string     `json:"display_name"`
	SizeBytes   int64      `json:"size_bytes"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DocumentSpec is the attach request body: exactly one of the stored-reference
// fields or the inline fields must be populated.
type DocumentSpec struct {
	// Stored reference
	Repo string `json:"repo,omitempty"`
	Ref  string `json:"ref,omitempty"`
	Path string `json:"path,omitempty"`

	// Inline upload
	Content  string `json:"content,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	DisplayName string `json:"display_name,omitempty"`
}

// Inline reports whether the spec carries inline content.
func (s *DocumentSpec) Inline() bool {
	return s.Content != "" || s.Filename != ""
}

// RunDocumentStatus is the per-run state of one attached document.
type RunDocumentStatus string

const (
	DocStatusPending    RunDocumentStatus = "pending"
	DocStatusProcessing RunDocumentStatus = "processing"
	DocStatusCompleted  RunDocumentStatus = "completed"
	DocStatusSkipped    RunDocumentStatus = "skipped"
	DocStatusFailed     RunDocumentStatus = "failed"
)

// RunDocument is the run↔document junction, unique on (run_id, document_id).
type RunDocument struct {
	RunID        string            `json:"run_id"`
	DocumentID   string            `json:"document_id"`
	Status       RunDocumentStatus `json:"status"`
	SortOrder    int               `json:"sort_order"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// AttachedDocument joins the junction row with its document for listings.
type AttachedDocument struct {
	*Document
	Status       RunDocumentStatus `json:"status"`
	SortOrder    int               `json:"sort_order"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}
