package models

import (
	"encoding/json"
	"time"
)

// GeneratorCombine marks artifacts produced by the combine phase rather
// than a per-document generator.
const GeneratorCombine = "combine"

// Artifact is one piece of generated content. Immutable after creation.
type Artifact struct {
	ArtifactID   string          `json:"artifact_id"`
	RunID        string          `json:"run_id"`
	DocumentID   string          `json:"document_id,omitempty"` // empty for combine output
	Generator    string          `json:"generator"`             // fpf | research | combine
	ModelID      string          `json:"model_id"`
	StoragePath  string          `json:"storage_path"`
	ContentHash  string          `json:"content_hash"`
	CostUSD      float64         `json:"cost_usd"`
	TokenCount   int64           `json:"token_count"`
	GenerationMS int64           `json:"generation_ms"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ArtifactListResponse contains the artifacts of one run.
type ArtifactListResponse struct {
	Artifacts  []*Artifact `json:"artifacts"`
	TotalCount int         `json:"total_count"`
	TotalCost  float64     `json:"total_cost_usd"`
}
