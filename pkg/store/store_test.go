package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
	"github.com/promptarena/arena/test/util"
)

func newTestStore(t *testing.T) *store.Store {
	db := util.SetupTestDatabase(t)
	return store.New(db)
}

func createRun(t *testing.T, s *store.Store, tenantID string, priority int) *models.Run {
	t.Helper()
	run := &models.Run{
		RunID:     store.NewID(),
		TenantID:  tenantID,
		ProjectID: "proj-1",
		Title:     "weekly digest",
		Status:    models.RunStatusPending,
		Priority:  priority,
		Config:    json.RawMessage(`{}`),
		Tags:      []string{"weekly", "digest"},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Runs.Create(context.Background(), run))
	return run
}

func TestRunCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, "tenant-a", 5)

	got, err := s.Runs.Get(ctx, "tenant-a", run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, models.RunStatusPending, got.Status)
	assert.Equal(t, []string{"weekly", "digest"}, got.Tags)
	assert.False(t, got.CancelRequested)
	assert.Nil(t, got.StartedAt)

	// Tenant scoping: another tenant cannot see the run.
	got, err = s.Runs.Get(ctx, "tenant-b", run.RunID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRunTransitionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, "tenant-a", 5)

	ok, err := s.Runs.Transition(ctx, run.RunID, models.RunStatusPending, models.RunStatusQueued)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second writer loses: the run is no longer pending.
	ok, err = s.Runs.Transition(ctx, run.RunID, models.RunStatusPending, models.RunStatusQueued)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Runs.Transition(ctx, run.RunID, models.RunStatusQueued, models.RunStatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Runs.Get(ctx, "tenant-a", run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	ok, err = s.Runs.Transition(ctx, run.RunID, models.RunStatusRunning, models.RunStatusCompleted)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.Runs.Get(ctx, "tenant-a", run.RunID)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
}

func TestRunListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := createRun(t, s, "tenant-a", 5)
	r2 := createRun(t, s, "tenant-a", 8)
	_, err := s.Runs.Transition(ctx, r2.RunID, models.RunStatusPending, models.RunStatusQueued)
	require.NoError(t, err)

	runs, err := s.Runs.List(ctx, "tenant-a", models.RunFilters{Status: "pending"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, r1.RunID, runs[0].RunID)

	// Tag containment requires every requested tag.
	runs, err = s.Runs.List(ctx, "tenant-a", models.RunFilters{Tags: []string{"weekly", "digest"}})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.Runs.List(ctx, "tenant-a", models.RunFilters{Tags: []string{"weekly", "missing"}})
	require.NoError(t, err)
	assert.Empty(t, runs)

	count, err := s.Runs.Count(ctx, "tenant-a", models.RunFilters{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClaimQueuedOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := createRun(t, s, "tenant-a", 3)
	high := createRun(t, s, "tenant-a", 9)
	for _, id := range []string{low.RunID, high.RunID} {
		ok, err := s.Runs.Transition(ctx, id, models.RunStatusPending, models.RunStatusQueued)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Highest priority claims first regardless of creation order.
	var claimed []string
	for i := 0; i < 2; i++ {
		err := s.WithTx(ctx, func(tx *store.Store) error {
			run, err := tx.Runs.ClaimQueued(ctx)
			if err != nil {
				return err
			}
			require.NotNil(t, run)
			claimed = append(claimed, run.RunID)
			ok, err := tx.Runs.Transition(ctx, run.RunID, models.RunStatusQueued, models.RunStatusRunning)
			require.True(t, ok)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{high.RunID, low.RunID}, claimed)

	// Queue drained.
	err := s.WithTx(ctx, func(tx *store.Store) error {
		run, err := tx.Runs.ClaimQueued(ctx)
		require.NoError(t, err)
		assert.Nil(t, run)
		return nil
	})
	require.NoError(t, err)
}

func TestDocumentAttachDetach(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, "tenant-a", 5)
	doc := &models.Document{
		DocumentID:  store.NewID(),
		TenantID:    "tenant-a",
		SourceKind:  models.SourceInline,
		Filename:    "notes.md",
		MimeType:    "text/markdown",
		StoragePath: "documents/tenant-a/notes.md",
		ContentHash: "abc123",
		DisplayName: "notes.md",
		SizeBytes:   42,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.Documents.Create(ctx, doc))

	rd := &models.RunDocument{
		RunID:      run.RunID,
		DocumentID: doc.DocumentID,
		Status:     models.DocStatusPending,
		SortOrder:  0,
	}
	require.NoError(t, s.Documents.Attach(ctx, rd))

	// Duplicate attach violates the junction primary key.
	err := s.Documents.Attach(ctx, rd)
	require.Error(t, err)
	assert.True(t, store.IsUniqueViolation(err))

	attached, err := s.Documents.ListAttached(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, attached, 1)
	assert.Equal(t, doc.DocumentID, attached[0].DocumentID)
	assert.Equal(t, models.DocStatusPending, attached[0].Status)

	require.NoError(t, s.Documents.SetDocStatus(ctx, run.RunID, doc.DocumentID, models.DocStatusProcessing, ""))
	require.NoError(t, s.Documents.SetDocStatus(ctx, run.RunID, doc.DocumentID, models.DocStatusFailed, "generation exhausted retries"))

	attached, err = s.Documents.ListAttached(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.DocStatusFailed, attached[0].Status)
	assert.Equal(t, "generation exhausted retries", attached[0].ErrorMessage)
	assert.NotNil(t, attached[0].StartedAt)
	assert.NotNil(t, attached[0].CompletedAt)

	require.NoError(t, s.Documents.Detach(ctx, run.RunID, doc.DocumentID))
	err = s.Documents.Detach(ctx, run.RunID, doc.DocumentID)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, "tenant-a", 5)
	tasks := []*models.Task{
		{
			TaskID:    store.NewID(),
			RunID:     run.RunID,
			Kind:      models.TaskGenerateFPF,
			Payload:   json.RawMessage(`{"kind":"fpf","provider":"openai","model":"gpt-5","iteration":1}`),
			Status:    models.TaskStatusPending,
			SortOrder: 0,
			CreatedAt: time.Now().UTC(),
		},
		{
			TaskID:    store.NewID(),
			RunID:     run.RunID,
			Kind:      models.TaskGenerateResearch,
			Status:    models.TaskStatusPending,
			SortOrder: 1,
			CreatedAt: time.Now().UTC(),
		},
	}
	require.NoError(t, s.Tasks.InsertBatch(ctx, tasks))

	listed, err := s.Tasks.ListByRun(ctx, run.RunID, models.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, tasks[0].TaskID, listed[0].TaskID, "dispatch order follows sort_order")

	ok, err := s.Tasks.Start(ctx, tasks[0].TaskID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Starting twice is a no-op.
	ok, err = s.Tasks.Start(ctx, tasks[0].TaskID)
	require.NoError(t, err)
	assert.False(t, ok)

	// RecordRetry bumps attempts while running; it never touches a task
	// that is not.
	require.NoError(t, s.Tasks.RecordRetry(ctx, tasks[0].TaskID))
	require.NoError(t, s.Tasks.RecordRetry(ctx, tasks[1].TaskID))

	require.NoError(t, s.Tasks.Finish(ctx, tasks[0].TaskID, models.TaskStatusSucceeded, ""))

	got, err := s.Tasks.Get(ctx, tasks[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, got.Status)
	assert.Equal(t, 2, got.Attempts)

	untouched, err := s.Tasks.Get(ctx, tasks[1].TaskID)
	require.NoError(t, err)
	assert.Zero(t, untouched.Attempts)
	assert.NotNil(t, got.CompletedAt)

	n, err := s.Tasks.CancelPending(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := s.Tasks.CountByStatus(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.TaskStatusSucceeded])
	assert.Equal(t, 1, counts[models.TaskStatusCancelled])
}

func TestEvaluationRowIdempotence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, "tenant-a", 5)
	artifact := insertArtifact(t, s, run.RunID, "doc-less", 0.12)

	score := 4
	row := &models.EvaluationRow{
		RowID:      store.NewID(),
		RunID:      run.RunID,
		ArtifactID: artifact.ArtifactID,
		JudgeModel: "gpt-5",
		Dimension:  "accuracy",
		Iteration:  1,
		Score:      &score,
		Rationale:  "well grounded",
		CreatedAt:  time.Now().UTC(),
	}
	inserted, err := s.Evals.InsertRow(ctx, row)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Retry with the same key never overwrites the first row.
	dup := *row
	dup.RowID = store.NewID()
	worse := 1
	dup.Score = &worse
	inserted, err = s.Evals.InsertRow(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	rows, err := s.Evals.ListRows(ctx, run.RunID, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 4, *rows[0].Score)

	means, err := s.Evals.MeanScores(ctx, run.RunID)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, means[artifact.ArtifactID], 0.001)
}

func TestPairwiseInsertAndRatings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, "tenant-a", 5)
	a := insertArtifact(t, s, run.RunID, "", 0.10)
	b := insertArtifact(t, s, run.RunID, "", 0.20)

	winner := models.WinnerA
	result := &models.PairwiseResult{
		ResultID:   store.NewID(),
		RunID:      run.RunID,
		ArtifactA:  minID(a.ArtifactID, b.ArtifactID),
		ArtifactB:  maxID(a.ArtifactID, b.ArtifactID),
		JudgeModel: "gpt-5",
		Iteration:  1,
		Winner:     &winner,
		CreatedAt:  time.Now().UTC(),
	}

	err := s.WithTx(ctx, func(tx *store.Store) error {
		inserted, err := tx.Evals.InsertPairwise(ctx, result)
		require.NoError(t, err)
		require.True(t, inserted)

		ra, err := tx.Evals.LockRating(ctx, run.RunID, result.ArtifactA)
		require.NoError(t, err)
		assert.Equal(t, 1500.0, ra.Rating)

		rb, err := tx.Evals.LockRating(ctx, run.RunID, result.ArtifactB)
		require.NoError(t, err)

		require.NoError(t, tx.Evals.UpdateRating(ctx, run.RunID, result.ArtifactA, 1516, ra.GamesPlayed+1))
		require.NoError(t, tx.Evals.UpdateRating(ctx, run.RunID, result.ArtifactB, 1484, rb.GamesPlayed+1))
		return nil
	})
	require.NoError(t, err)

	// Replayed insert is a no-op.
	inserted, err := s.Evals.InsertPairwise(ctx, result)
	require.NoError(t, err)
	assert.False(t, inserted)

	ratings, err := s.Evals.ListRatings(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, ratings, 2)
	assert.Equal(t, result.ArtifactA, ratings[0].ArtifactID, "highest rating first")
	assert.Equal(t, 1516.0, ratings[0].Rating)
	assert.Equal(t, 1, ratings[0].GamesPlayed)
}

func TestReapRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := createRun(t, s, "tenant-a", 5)
	queued := createRun(t, s, "tenant-a", 5)

	for _, edge := range []struct{ from, to models.RunStatus }{
		{models.RunStatusPending, models.RunStatusQueued},
		{models.RunStatusQueued, models.RunStatusRunning},
	} {
		ok, err := s.Runs.Transition(ctx, run.RunID, edge.from, edge.to)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := s.Runs.Transition(ctx, queued.RunID, models.RunStatusPending, models.RunStatusQueued)
	require.NoError(t, err)
	require.True(t, ok)

	task := &models.Task{
		TaskID:    store.NewID(),
		RunID:     run.RunID,
		Kind:      models.TaskGenerateFPF,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Tasks.InsertBatch(ctx, []*models.Task{task}))
	started, err := s.Tasks.Start(ctx, task.TaskID)
	require.NoError(t, err)
	require.True(t, started)

	err = s.WithTx(ctx, func(tx *store.Store) error {
		reapedTasks, err := tx.Tasks.ReapRunning(ctx)
		require.NoError(t, err)
		require.Len(t, reapedTasks, 1)
		assert.Equal(t, "reaped_on_boot", reapedTasks[0].LastError)

		reapedRuns, err := tx.Runs.ReapRunning(ctx)
		require.NoError(t, err)
		require.Len(t, reapedRuns, 1)
		assert.Equal(t, run.RunID, reapedRuns[0])
		return nil
	})
	require.NoError(t, err)

	// Queued runs are untouched and still claimable.
	got, err := s.Runs.Get(ctx, "tenant-a", queued.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, got.Status)
}

func TestProviderKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ProviderKeys.Upsert(ctx, "tenant-a", "openai", []byte("ciphertext-1")))
	require.NoError(t, s.ProviderKeys.Upsert(ctx, "tenant-a", "openai", []byte("ciphertext-2")))

	ct, err := s.ProviderKeys.Get(ctx, "tenant-a", "openai")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext-2"), ct)

	infos, err := s.ProviderKeys.List(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 2, infos[0].KeyVersion, "overwrite bumps key_version")

	// Other tenants never see the key.
	ct, err = s.ProviderKeys.Get(ctx, "tenant-b", "openai")
	require.NoError(t, err)
	assert.Nil(t, ct)

	require.NoError(t, s.ProviderKeys.Delete(ctx, "tenant-a", "openai"))
	err = s.ProviderKeys.Delete(ctx, "tenant-a", "openai")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func insertArtifact(t *testing.T, s *store.Store, runID, documentID string, cost float64) *models.Artifact {
	t.Helper()
	if documentID == "doc-less" {
		documentID = ""
	}
	a := &models.Artifact{
		ArtifactID:   store.NewID(),
		RunID:        runID,
		DocumentID:   documentID,
		Generator:    "fpf",
		ModelID:      "gpt-5",
		StoragePath:  "runs/" + runID + "/artifacts/" + store.NewID() + ".md",
		ContentHash:  "deadbeef",
		CostUSD:      cost,
		TokenCount:   1200,
		GenerationMS: 1500,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.Artifacts.Insert(context.Background(), a))
	return a
}

func minID(a, b string) string {
	if a < b {
		return a
	}
	return b
}

func maxID(a, b string) string {
	if a < b {
		return b
	}
	return a
}
