package cleanup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/services"
	"github.com/promptarena/arena/pkg/storage"
	"github.com/promptarena/arena/pkg/store"
	"github.com/promptarena/arena/test/util"
)

func setupSweeper(t *testing.T, maxAge time.Duration) (*Service, *store.Store, storage.Provider, *sql.DB) {
	t.Helper()
	db := util.SetupTestDatabase(t)
	st := store.New(db)
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	svc := NewService(config.RetentionConfig{MaxAge: maxAge}, st, local, services.NewSystemWarningsService())
	return svc, st, local, db
}

func createTerminalRun(t *testing.T, st *store.Store, db *sql.DB, completedAt time.Time) *models.Run {
	t.Helper()
	ctx := context.Background()
	run := &models.Run{
		RunID:     store.NewID(),
		TenantID:  "tenant-a",
		ProjectID: "proj-1",
		Title:     "weekly digest",
		Status:    models.RunStatusPending,
		Priority:  5,
		Config:    json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.Runs.Create(ctx, run))
	for _, edge := range []struct{ from, to models.RunStatus }{
		{models.RunStatusPending, models.RunStatusQueued},
		{models.RunStatusQueued, models.RunStatusRunning},
		{models.RunStatusRunning, models.RunStatusCompleted},
	} {
		ok, err := st.Runs.Transition(ctx, run.RunID, edge.from, edge.to)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Backdate the terminal timestamp; Transition always stamps now.
	_, err := db.ExecContext(ctx, "UPDATE runs SET completed_at = $1 WHERE run_id = $2", completedAt, run.RunID)
	require.NoError(t, err)
	return run
}

func TestSweep_DeletesExpiredRunsAndStorage(t *testing.T) {
	svc, st, local, db := setupSweeper(t, 30*24*time.Hour)
	ctx := context.Background()

	expired := createTerminalRun(t, st, db, time.Now().UTC().Add(-60*24*time.Hour))

	for i := 0; i < 2; i++ {
		path := fmt.Sprintf("runs/%s/artifacts/a%d.md", expired.RunID, i)
		_, err := local.Write(ctx, path, []byte("artifact body"), "add artifact")
		require.NoError(t, err)
	}

	svc.Sweep()

	got, err := st.Runs.Get(ctx, "tenant-a", expired.RunID)
	require.NoError(t, err)
	assert.Nil(t, got)

	paths, err := local.List(ctx, fmt.Sprintf("runs/%s/", expired.RunID))
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestSweep_PreservesRecentAndActiveRuns(t *testing.T) {
	svc, st, _, db := setupSweeper(t, 30*24*time.Hour)
	ctx := context.Background()

	recent := createTerminalRun(t, st, db, time.Now().UTC())

	active := &models.Run{
		RunID:     store.NewID(),
		TenantID:  "tenant-a",
		ProjectID: "proj-1",
		Title:     "in flight",
		Status:    models.RunStatusPending,
		Priority:  5,
		Config:    json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC().Add(-60 * 24 * time.Hour),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.Runs.Create(ctx, active))

	svc.Sweep()

	got, err := st.Runs.Get(ctx, "tenant-a", recent.RunID)
	require.NoError(t, err)
	assert.NotNil(t, got, "recent terminal run survives")

	got, err = st.Runs.Get(ctx, "tenant-a", active.RunID)
	require.NoError(t, err)
	assert.NotNil(t, got, "non-terminal run survives regardless of age")
}

func TestSweep_DisabledWithZeroMaxAge(t *testing.T) {
	svc, st, _, db := setupSweeper(t, 0)
	ctx := context.Background()

	old := createTerminalRun(t, st, db, time.Now().UTC().Add(-400*24*time.Hour))

	require.NoError(t, svc.Start())
	assert.Nil(t, svc.cron, "disabled service never schedules")

	svc.Sweep()

	got, err := st.Runs.Get(ctx, "tenant-a", old.RunID)
	require.NoError(t, err)
	assert.NotNil(t, got)

	svc.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	db := util.SetupTestDatabase(t)
	st := store.New(db)
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	svc := NewService(config.RetentionConfig{MaxAge: time.Hour, Schedule: "not-a-schedule"}, st, local, nil)
	err = svc.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid retention schedule")
}

func TestSweep_WarnsOnFailureAndClearsOnSuccess(t *testing.T) {
	db := util.SetupTestDatabase(t)
	st := store.New(db)
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	warnings := services.NewSystemWarningsService()
	svc := NewService(config.RetentionConfig{MaxAge: time.Hour}, st, local, warnings)

	// A closed handle makes the delete query fail; run stores share the pool.
	broken := store.New(closedDB(t))
	svc.store = broken
	svc.Sweep()

	got := warnings.Warnings()
	require.Len(t, got, 1)
	assert.Equal(t, services.WarningRetention, got[0].Category)
	assert.Equal(t, "sweeper", got[0].Source)
	assert.Equal(t, "retention sweep failed", got[0].Message)

	// The next clean sweep heals the warning.
	svc.store = st
	svc.Sweep()
	assert.Empty(t, warnings.Warnings())
}

func closedDB(t *testing.T) *sql.DB {
	t.Helper()
	db := util.SetupTestDatabase(t)
	require.NoError(t, db.Close())
	return db
}
