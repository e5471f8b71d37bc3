package services_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/elo"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/services"
)

// TestServiceIntegration walks one run through the services the way the API
// and the pipeline drive them together.
func TestServiceIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 1. Create the run.
	run, err := f.runs.Create(ctx, "tenant-a", "alice", &models.CreateRunRequest{
		ProjectID: "proj-1",
		Title:     "release notes bake-off",
		Tags:      []string{"release", "weekly"},
		Config:    validConfig(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, run.Status)

	// 2. Attach inputs while the run is still pending.
	attached, err := f.docs.AttachBatch(ctx, "tenant-a", run.RunID, []*models.DocumentSpec{
		{Content: "changelog for 1.4", Filename: "changelog.md"},
		{Repo: "acme/docs", Ref: "main", Path: "guides/style.md"},
	})
	require.NoError(t, err)
	require.Len(t, attached, 2)

	// 3. Start it: pending → queued, with a timeline entry.
	queued, err := f.runs.Start(ctx, "tenant-a", run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, queued.Status)

	// Document set is frozen once the run leaves pending.
	_, err = f.docs.Attach(ctx, "tenant-a", run.RunID, &models.DocumentSpec{
		Content: "late addition", Filename: "late.md",
	})
	assert.ErrorIs(t, err, services.ErrRunNotPending)

	// 4. The pipeline claims the run and produces artifacts.
	ok, err := f.store.Runs.Transition(ctx, run.RunID, models.RunStatusQueued, models.RunStatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	artA := seedArtifact(t, f, run.RunID, "m-a")
	artB := seedArtifact(t, f, run.RunID, "m-b")
	seedTask(t, f, run.RunID, models.TaskGenerateFPF, models.TaskStatusSucceeded)
	seedTask(t, f, run.RunID, models.TaskSingleEval, models.TaskStatusSucceeded)
	seedTask(t, f, run.RunID, models.TaskPairwiseEval, models.TaskStatusSucceeded)

	// 5. Judges grade and compare.
	seedScore(t, f, run.RunID, artA, "accuracy", 4)
	seedScore(t, f, run.RunID, artB, "accuracy", 3)
	winA := models.WinnerA
	require.NoError(t, elo.Apply(ctx, f.store, &models.PairwiseResult{
		RunID: run.RunID, ArtifactA: artA, ArtifactB: artB, Winner: &winA,
	}))

	// 6. The run completes.
	ok, err = f.store.Runs.Transition(ctx, run.RunID, models.RunStatusRunning, models.RunStatusCompleted)
	require.NoError(t, err)
	require.True(t, ok)

	// 7. Status rollups reflect the whole lifecycle.
	detail, err := f.runs.Get(ctx, "tenant-a", run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, detail.Status)
	require.NotNil(t, detail.StatusSummary)
	assert.Equal(t, 2, detail.StatusSummary.Documents[models.DocStatusPending])
	assert.Equal(t, 3, detail.StatusSummary.Tasks[models.TaskStatusSucceeded])
	assert.Equal(t, 2, detail.StatusSummary.Artifacts)

	evalStatus, err := f.evals.Status(ctx, "tenant-a", run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, evalStatus.RunStatus)
	assert.Equal(t, 1, evalStatus.Phases[0].Succeeded)
	assert.Equal(t, 1, evalStatus.Phases[1].Succeeded)

	// 8. Rankings agree with the seeded outcomes on both sort orders.
	byElo, err := f.evals.Results(ctx, "tenant-a", run.RunID, 0, "")
	require.NoError(t, err)
	require.Len(t, byElo.Rankings, 2)
	assert.Equal(t, artA, byElo.Rankings[0].ArtifactID)

	byScore, err := f.evals.Results(ctx, "tenant-a", run.RunID, 0, services.SortByScore)
	require.NoError(t, err)
	assert.Equal(t, artA, byScore.Rankings[0].ArtifactID)
	assert.InDelta(t, 4.0, byScore.Rankings[0].MeanScore, 0.001)

	// 9. Terminal runs accept a summary and nothing else.
	summary := "m-a produced the stronger draft"
	updated, err := f.runs.Update(ctx, "tenant-a", run.RunID, models.UpdateRunRequest{Summary: &summary})
	require.NoError(t, err)
	assert.Equal(t, summary, updated.Summary)

	title := "renamed"
	_, err = f.runs.Update(ctx, "tenant-a", run.RunID, models.UpdateRunRequest{Title: &title})
	assert.ErrorIs(t, err, services.ErrRunTerminal)

	// 10. The timeline recorded creation and queueing.
	timeline, err := f.events.Timeline(ctx, "tenant-a", run.RunID, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(timeline.Events), 2)
	assert.Equal(t, models.EventRunCreated, timeline.Events[0].EventType)
	assert.Equal(t, models.EventRunQueued, timeline.Events[1].EventType)

	// Cancelling a completed run is a no-op.
	after, err := f.runs.Cancel(ctx, "tenant-a", run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, after.Status)
}
