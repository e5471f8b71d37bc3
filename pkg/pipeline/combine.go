package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/promptarena/arena/pkg/llm"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
	"github.com/promptarena/arena/pkg/upstream"
)

// combineSystemPrompt is the system message for artifact synthesis.
const combineSystemPrompt = `You are an expert editor. You merge several candidate documents written for the same task into one document that keeps the strongest material from each candidate, resolves contradictions in favor of the better-supported claim, and reads as a single coherent piece. You add nothing the candidates do not support.`

// combineUserHeader opens the synthesis request.
// %s = run title, %d = candidate count.
const combineUserHeader = `Task: %s

Below are %d candidate documents produced for this task. Synthesize them into one document. Output only the synthesized document, no preamble or commentary.
`

// combineCandidateTemplate wraps one candidate.
// %d = candidate number, %s = content.
const combineCandidateTemplate = `
=== CANDIDATE %d START ===
%s
=== CANDIDATE %d END ===
`

// runCombine synthesizes one combined artifact per configured combine model
// from the full set of generation artifacts. Any task failure fails the run:
// downstream has nothing to rank when synthesis does not land.
func (s *Scheduler) runCombine(ctx context.Context, st *execState) (*phaseStats, string, error) {
	artifacts, err := s.generationArtifacts(ctx, st)
	if err != nil {
		return nil, "", err
	}
	if len(artifacts) == 0 {
		s.skipPhase(st.run.RunID, models.PhaseCombine, "no artifacts to combine")
		return nil, "", nil
	}

	tasks := s.planCombine(st)
	if err := s.insertPhaseTasks(ctx, st.run.RunID, models.PhaseCombine, tasks); err != nil {
		return nil, "", err
	}

	stats := s.runTasks(ctx, st.run.RunID, tasks, s.workersFor(st, models.PhaseCombine),
		s.combineTask(st, artifacts))
	if ctx.Err() != nil || stats.BudgetExceeded {
		return stats, "", nil
	}
	if stats.Failed > 0 {
		return stats, fmt.Sprintf("combine failed: %s", stats.LastError), nil
	}
	return stats, "", nil
}

// planCombine builds one task per combine model.
func (s *Scheduler) planCombine(st *execState) []*models.Task {
	tasks := make([]*models.Task, 0, len(st.cfg.Combine.Models))
	for i, m := range st.cfg.Combine.Models {
		payload, _ := json.Marshal(models.CombinePayload{Provider: m.Provider, Model: m.Model})
		tasks = append(tasks, &models.Task{
			TaskID:    store.NewID(),
			RunID:     st.run.RunID,
			Kind:      models.TaskCombine,
			Payload:   payload,
			Status:    models.TaskStatusPending,
			SortOrder: i,
		})
	}
	return tasks
}

// combineTask returns the task function for one synthesis call.
func (s *Scheduler) combineTask(st *execState, artifacts []*models.Artifact) taskFunc {
	return func(ctx context.Context, task *models.Task) error {
		if err := s.checkBudget(ctx, st); err != nil {
			return err
		}

		var payload models.CombinePayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decode combine payload: %w", err)
		}
		apiKey, ok := st.keys[payload.Provider]
		if !ok {
			return fmt.Errorf("no provider key stored for %q", payload.Provider)
		}

		prompt, err := s.combinePrompt(ctx, st, artifacts)
		if err != nil {
			return err
		}
		messages := []llm.Message{
			{Role: llm.RoleSystem, Content: combineSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		}

		permit, err := s.deps.Limiter.Acquire(ctx, payload.Provider, payload.Model, llm.EstimateTokens(messages))
		if err != nil {
			return err
		}

		started := time.Now()
		resp, err := s.deps.LLM.ChatCompletion(ctx, &llm.Request{
			Provider: payload.Provider,
			Model:    payload.Model,
			Messages: messages,
		}, apiKey)
		if err != nil {
			permit.Release(0, nil)
			s.observe429(payload.Provider, err)
			return err
		}
		permit.Release(resp.Usage.TotalTokens, resp.Headers)

		// Chat completions carry no billing data; combined artifacts record
		// token usage and a zero cost.
		return s.storeArtifact(ctx, st, "", models.GeneratorCombine,
			payload.Provider, payload.Model, &upstream.GenerateResult{
				Artifact:   resp.Content,
				TokenCount: resp.Usage.TotalTokens,
				DurationMS: time.Since(started).Milliseconds(),
			})
	}
}

// combinePrompt assembles the synthesis request over every generation
// artifact, in artifact order.
func (s *Scheduler) combinePrompt(ctx context.Context, st *execState, artifacts []*models.Artifact) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, combineUserHeader, st.run.Title, len(artifacts))
	for i, artifact := range artifacts {
		body, err := s.artifactBody(ctx, st, artifact)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, combineCandidateTemplate, i+1, body, i+1)
	}
	return b.String(), nil
}
