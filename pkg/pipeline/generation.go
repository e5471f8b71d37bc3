package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/llm"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
	"github.com/promptarena/arena/pkg/upstream"
)

// generationFailedSummary is the terminal summary for a run in which no
// document produced any artifact.
const generationFailedSummary = "all documents failed generation"

// runGeneration fans documents × generators × iterations out to the
// configured generator services. The phase fails the run only when every
// document ends with zero artifacts; anything less is a partial failure the
// eval phases work around.
func (s *Scheduler) runGeneration(ctx context.Context, st *execState) (*phaseStats, string, error) {
	if len(st.docs) == 0 {
		s.skipPhase(st.run.RunID, models.PhaseGeneration, "no documents attached")
		return nil, "", nil
	}

	tasks := s.planGeneration(st)
	if err := s.insertPhaseTasks(ctx, st.run.RunID, models.PhaseGeneration, tasks); err != nil {
		return nil, "", err
	}

	for _, doc := range st.docs {
		if err := s.deps.Store.Documents.SetDocStatus(ctx, st.run.RunID, doc.DocumentID, models.DocStatusProcessing, ""); err != nil {
			slog.Error("Failed to mark document processing",
				"run_id", st.run.RunID, "document_id", doc.DocumentID, "error", err)
		}
	}

	bodies, readErrs := s.loadDocumentBodies(ctx, st)

	stats := s.runTasks(ctx, st.run.RunID, tasks, s.workersFor(st, models.PhaseGeneration),
		s.generationTask(st, bodies, readErrs))
	if ctx.Err() != nil || stats.BudgetExceeded {
		return stats, "", nil
	}

	produced, err := s.settleDocStatuses(ctx, st)
	if err != nil {
		return nil, "", err
	}
	if produced == 0 {
		return stats, generationFailedSummary, nil
	}
	return stats, "", nil
}

// planGeneration builds the phase's task batch in dispatch order: documents
// by sort order, then generators in config order, then iterations.
func (s *Scheduler) planGeneration(st *execState) []*models.Task {
	var tasks []*models.Task
	order := 0
	for _, doc := range st.docs {
		for _, gen := range st.cfg.Generators {
			for iter := 1; iter <= gen.Iterations; iter++ {
				payload, _ := json.Marshal(models.GeneratePayload{
					Kind:      gen.Kind,
					Provider:  gen.Provider,
					Model:     gen.Model,
					Iteration: iter,
				})
				tasks = append(tasks, &models.Task{
					TaskID:     store.NewID(),
					RunID:      st.run.RunID,
					DocumentID: doc.DocumentID,
					Kind:       generateTaskKind(gen.Kind),
					Payload:    payload,
					Status:     models.TaskStatusPending,
					SortOrder:  order,
				})
				order++
			}
		}
	}
	return tasks
}

func generateTaskKind(kind string) models.TaskKind {
	if kind == config.GeneratorResearch {
		return models.TaskGenerateResearch
	}
	return models.TaskGenerateFPF
}

// loadDocumentBodies reads every attached document from storage once. A
// document whose content cannot be read fails its tasks without consuming
// generator calls; the error is remembered per document.
func (s *Scheduler) loadDocumentBodies(ctx context.Context, st *execState) (map[string]string, map[string]string) {
	bodies := make(map[string]string, len(st.docs))
	readErrs := make(map[string]string)
	for _, doc := range st.docs {
		raw, err := s.deps.Storage.Read(ctx, doc.StoragePath)
		if err != nil {
			slog.Error("Failed to read document content",
				"run_id", st.run.RunID, "document_id", doc.DocumentID, "error", err)
			readErrs[doc.DocumentID] = err.Error()
			continue
		}
		bodies[doc.DocumentID] = string(raw)
	}
	return bodies, readErrs
}

// generationTask returns the task function for one generation batch. Each
// invocation checks the budget, acquires a rate-limit permit, calls the
// generator, and persists the artifact.
func (s *Scheduler) generationTask(st *execState, bodies map[string]string, readErrs map[string]string) taskFunc {
	return func(ctx context.Context, task *models.Task) error {
		if err := s.checkBudget(ctx, st); err != nil {
			return err
		}

		var payload models.GeneratePayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decode generate payload: %w", err)
		}
		if msg, failed := readErrs[task.DocumentID]; failed {
			return fmt.Errorf("document content unavailable: %s", msg)
		}
		gen, ok := s.deps.Generators[payload.Kind]
		if !ok {
			return fmt.Errorf("no %q generator configured", payload.Kind)
		}

		req := &upstream.GenerateRequest{
			RunID:     st.run.RunID,
			Provider:  payload.Provider,
			Model:     payload.Model,
			Config:    st.run.Config,
			Iteration: payload.Iteration,
			Document: &upstream.Document{
				DocumentID:  task.DocumentID,
				DisplayName: displayNameFor(st.docs, task.DocumentID),
				Content:     bodies[task.DocumentID],
			},
		}
		if payload.Kind == config.GeneratorResearch {
			req.Query = st.run.Title
		} else {
			req.Prompt = st.run.Title
		}

		est := llm.EstimateTokens([]llm.Message{
			{Content: st.run.Title},
			{Content: req.Document.Content},
		})
		permit, err := s.deps.Limiter.Acquire(ctx, payload.Provider, payload.Model, est)
		if err != nil {
			return err
		}

		result, err := gen.Generate(ctx, req, st.keys)
		if err != nil {
			permit.Release(0, nil)
			s.observe429(payload.Provider, err)
			return err
		}
		permit.Release(result.TokenCount, result.Headers)

		return s.storeArtifact(ctx, st, task.DocumentID, payload.Kind,
			payload.Provider, payload.Model, result)
	}
}

func displayNameFor(docs []*models.AttachedDocument, documentID string) string {
	for _, doc := range docs {
		if doc.DocumentID == documentID {
			return doc.DisplayName
		}
	}
	return ""
}

// storeArtifact writes the generated content to storage and records the
// artifact row. The body is cached so eval phases skip the storage read.
func (s *Scheduler) storeArtifact(ctx context.Context, st *execState, documentID, generator, provider, model string, result *upstream.GenerateResult) error {
	artifactID := store.NewID()
	storagePath := fmt.Sprintf("runs/%s/artifacts/%s.md", st.run.RunID, artifactID)

	if _, err := s.deps.Storage.Write(ctx, storagePath, []byte(result.Artifact),
		fmt.Sprintf("add artifact %s", artifactID)); err != nil {
		return fmt.Errorf("write artifact content: %w", err)
	}

	var metadata json.RawMessage
	if len(result.SourceRefs) > 0 {
		metadata, _ = json.Marshal(map[string]any{"source_refs": result.SourceRefs})
	}
	sum := sha256.Sum256([]byte(result.Artifact))
	artifact := &models.Artifact{
		ArtifactID:   artifactID,
		RunID:        st.run.RunID,
		DocumentID:   documentID,
		Generator:    generator,
		ModelID:      provider + "/" + model,
		StoragePath:  storagePath,
		ContentHash:  hex.EncodeToString(sum[:]),
		CostUSD:      result.CostUSD,
		TokenCount:   result.TokenCount,
		GenerationMS: result.DurationMS,
		Metadata:     metadata,
	}
	if err := s.deps.Store.Artifacts.Insert(ctx, artifact); err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	st.cacheArtifactBody(artifactID, result.Artifact)
	return nil
}

// settleDocStatuses marks each document completed or failed from its
// artifact count and returns how many documents produced at least one
// artifact.
func (s *Scheduler) settleDocStatuses(ctx context.Context, st *execState) (int, error) {
	artifacts, err := s.deps.Store.Artifacts.ListByRun(ctx, st.run.RunID, "", "")
	if err != nil {
		return 0, fmt.Errorf("list artifacts: %w", err)
	}
	byDoc := make(map[string]int)
	for _, a := range artifacts {
		if a.DocumentID != "" {
			byDoc[a.DocumentID]++
		}
	}

	produced := 0
	for _, doc := range st.docs {
		status, errMsg := models.DocStatusCompleted, ""
		if byDoc[doc.DocumentID] == 0 {
			status, errMsg = models.DocStatusFailed, "all generation attempts failed"
		} else {
			produced++
		}
		if err := s.deps.Store.Documents.SetDocStatus(ctx, st.run.RunID, doc.DocumentID, status, errMsg); err != nil {
			slog.Error("Failed to settle document status",
				"run_id", st.run.RunID, "document_id", doc.DocumentID, "error", err)
		}
	}
	return produced, nil
}
