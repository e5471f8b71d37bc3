package models

import "time"

// EvaluationRow is one graded score from one judge for one artifact on one
// dimension. Unique on (run_id, artifact_id, judge_model, dimension, iteration).
type EvaluationRow struct {
	RowID       string    `json:"row_id"`
	RunID       string    `json:"run_id"`
	ArtifactID  string    `json:"artifact_id"`
	JudgeModel  string    `json:"judge_model"`
	Dimension   string    `json:"dimension"`
	Iteration   int       `json:"iteration"`
	Score       *int      `json:"score,omitempty"` // 1..5; nil when the judge failed terminally
	Rationale   string    `json:"rationale,omitempty"`
	FailedParse bool      `json:"failed_parse"`
	CreatedAt   time.Time `json:"created_at"`
}

// Winner is a pairwise verdict.
type Winner string

const (
	WinnerA   Winner = "A"
	WinnerB   Winner = "B"
	WinnerTie Winner = "tie"
)

// PairwiseResult is the outcome of one (A, B, judge, iteration) comparison.
// ArtifactA < ArtifactB; Winner refers to the canonical order, with the
// presentation flip already undone. Winner nil records a terminal judge failure.
type PairwiseResult struct {
	ResultID     string    `json:"result_id"`
	RunID        string    `json:"run_id"`
	ArtifactA    string    `json:"artifact_a"`
	ArtifactB    string    `json:"artifact_b"`
	JudgeModel   string    `json:"judge_model"`
	Iteration    int       `json:"iteration"`
	Winner       *Winner   `json:"winner,omitempty"`
	Flipped      bool      `json:"flipped"`
	Rationale    string    `json:"rationale,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// EloRating is the current rating of one artifact within one run.
type EloRating struct {
	RunID       string    `json:"run_id"`
	ArtifactID  string    `json:"artifact_id"`
	Rating      float64   `json:"rating"`
	GamesPlayed int       `json:"games_played"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EvalPhaseProgress summarizes one evaluation phase for status reporting.
type EvalPhaseProgress struct {
	Phase     Phase `json:"phase"`
	Scheduled int   `json:"scheduled"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Pending   int   `json:"pending"`
}

// EvalStatusResponse is the body of GET /runs/{id}/evaluate/status.
type EvalStatusResponse struct {
	RunID     string              `json:"run_id"`
	RunStatus RunStatus           `json:"run_status"`
	Phases    []EvalPhaseProgress `json:"phases"`
}

// RankingEntry is one ranked artifact in the results listing.
type RankingEntry struct {
	Rank        int                `json:"rank"`
	ArtifactID  string             `json:"artifact_id"`
	DocumentID  string             `json:"document_id,omitempty"`
	Generator   string             `json:"generator"`
	ModelID     string             `json:"model_id"`
	Rating      float64            `json:"rating"`
	GamesPlayed int                `json:"games_played"`
	MeanScore   float64            `json:"mean_score"`
	Dimensions  map[string]float64 `json:"dimensions,omitempty"`
	CostUSD     float64            `json:"cost_usd"`
}

// EvalResultsResponse is the body of GET /runs/{id}/evaluate/results.
type EvalResultsResponse struct {
	RunID    string          `json:"run_id"`
	SortBy   string          `json:"sort_by"`
	Rankings []*RankingEntry `json:"rankings"`
}
