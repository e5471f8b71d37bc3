package models

import (
	"encoding/json"
	"time"
)

// Phase is one stage of the fixed pipeline DAG.
type Phase string

const (
	PhaseGeneration      Phase = "generation"
	PhaseSingleEval      Phase = "single_eval"
	PhasePairwiseEval    Phase = "pairwise_eval"
	PhaseCombine         Phase = "combine"
	PhasePostCombineEval Phase = "post_combine_eval"
)

// PhaseOrder is the fixed execution order:
// Generation → SingleDocEval → PairwiseEval → Combine → PostCombineEval.
var PhaseOrder = []Phase{
	PhaseGeneration,
	PhaseSingleEval,
	PhasePairwiseEval,
	PhaseCombine,
	PhasePostCombineEval,
}

// TaskKind identifies the unit of external work a task performs.
type TaskKind string

const (
	TaskGenerateFPF      TaskKind = "generate-fpf"
	TaskGenerateResearch TaskKind = "generate-research"
	TaskSingleEval       TaskKind = "single-eval"
	TaskPairwiseEval     TaskKind = "pairwise-eval"
	TaskCombine          TaskKind = "combine"
	TaskPostCombineEval  TaskKind = "post-combine-eval"
)

// Phase returns the pipeline phase a task kind belongs to.
func (k TaskKind) Phase() Phase {
	switch k {
	case TaskGenerateFPF, TaskGenerateResearch:
		return PhaseGeneration
	case TaskSingleEval:
		return PhaseSingleEval
	case TaskPairwiseEval:
		return PhasePairwiseEval
	case TaskCombine:
		return PhaseCombine
	case TaskPostCombineEval:
		return PhasePostCombineEval
	}
	return ""
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled},
}

// Terminal reports whether s is a sink state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCancelled
}

// CanTransitionTo reports whether the edge s→target exists.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, t := range taskTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Task is one unit of external work for a phase.
type Task struct {
	TaskID      string          `json:"task_id"`
	RunID       string          `json:"run_id"`
	DocumentID  string          `json:"document_id,omitempty"`
	Kind        TaskKind        `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      TaskStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	SortOrder   int             `json:"sort_order"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// GeneratePayload describes one generator call.
type GeneratePayload struct {
	Kind      string `json:"kind"` // fpf | research
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Iteration int    `json:"iteration"`
}

// SingleEvalPayload describes one graded judge call.
type SingleEvalPayload struct {
	ArtifactID string `json:"artifact_id"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimension  string `json:"dimension"`
	Iteration  int    `json:"iteration"`
}

// PairwisePayload describes one head-to-head judge call. ArtifactA < ArtifactB.
type PairwisePayload struct {
	ArtifactA string `json:"artifact_a"`
	ArtifactB string `json:"artifact_b"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Iteration int    `json:"iteration"`
}

// CombinePayload describes one combine-model synthesis call.
type CombinePayload struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// TaskListResponse contains the tasks of one run.
type TaskListResponse struct {
	Tasks      []*Task `json:"tasks"`
	TotalCount int     `json:"total_count"`
}
