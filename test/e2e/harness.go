// Package e2e provides end-to-end test infrastructure for the arena pipeline.
package e2e

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/api"
	"github.com/promptarena/arena/pkg/client"
	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/judge"
	"github.com/promptarena/arena/pkg/llm"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/pipeline"
	"github.com/promptarena/arena/pkg/ratelimit"
	"github.com/promptarena/arena/pkg/services"
	"github.com/promptarena/arena/pkg/storage"
	"github.com/promptarena/arena/pkg/store"
	"github.com/promptarena/arena/pkg/upstream"
	"github.com/promptarena/arena/pkg/vault"
	"github.com/promptarena/arena/test/util"
)

const (
	testTenant      = "tenant-e2e"
	testProvider    = "openai"
	testProviderKey = "sk-e2e-openai"
)

// vaultMasterKey is fixed so instances sharing a schema can decrypt each
// other's provider key ciphertext.
var vaultMasterKey = []byte("0123456789abcdef0123456789abcdef")

// TestApp boots a complete arena instance for e2e testing: real store,
// vault, limiter, scheduler, and worker pool against a per-test database
// schema, with the generation service and judge endpoint replaced by
// scripted stubs.
type TestApp struct {
	// Core
	DB    *sql.DB
	Store *store.Store
	Vault *vault.Vault

	// Scripted upstreams
	Generators *GeneratorStub
	Judges     *JudgeStub

	// Real infrastructure
	Limiter *ratelimit.Limiter
	Pool    *pipeline.Pool
	Server  *api.Server

	// Runtime
	BaseURL string
	APIKey  string
	Client  *client.Client

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	workerCount  int
	pollInterval time.Duration
	limits       *config.RateLimitConfig
	concurrency  config.PhaseConcurrency
	db           *sql.DB // injected handle (for multi-instance tests)
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithWorkerCount sets the number of pool workers. Zero keeps the pool from
// ever claiming queued runs, which tests use to fabricate orphaned state.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithRateLimits replaces the generous default limits, for tests that
// exercise backpressure.
func WithRateLimits(cfg config.RateLimitConfig) TestAppOption {
	return func(c *testAppConfig) { c.limits = &cfg }
}

// WithPhaseConcurrency overrides the per-phase dispatch width defaults.
func WithPhaseConcurrency(pc config.PhaseConcurrency) TestAppOption {
	return func(c *testAppConfig) { c.concurrency = pc }
}

// WithDB injects an existing database handle, skipping the per-test schema
// creation. Used when a second instance must share the first one's schema,
// as in boot-recovery tests.
func WithDB(db *sql.DB) TestAppOption {
	return func(c *testAppConfig) { c.db = db }
}

// NewTestApp creates and starts a full arena test instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		workerCount:  1,
		pollInterval: 50 * time.Millisecond,
		concurrency: config.PhaseConcurrency{
			Generation:      4,
			SingleEval:      8,
			PairwiseEval:    8,
			Combine:         2,
			PostCombineEval: 8,
		},
	}
	for _, opt := range opts {
		opt(tc)
	}

	ctx := context.Background()

	// 1. Database and store.
	db := tc.db
	if db == nil {
		db = util.SetupTestDatabase(t)
	}
	st := store.New(db)

	// 2. Boot reap, exactly as serve does before any worker starts.
	require.NoError(t, pipeline.Reap(ctx, st))

	// 3. Artifact and document storage on a per-test temp dir.
	blobs, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	// 4. Key vault.
	kv, err := vault.New(vaultMasterKey, st.ProviderKeys)
	require.NoError(t, err)

	// 5. Scripted generation service and judge endpoint.
	generators := NewGeneratorStub(t)
	judges := NewJudgeStub(t)

	// 6. Rate limiter. Defaults are generous so only tests that opt in via
	//    WithRateLimits see backpressure.
	limits := tc.limits
	if limits == nil {
		limits = defaultRateLimits()
	}
	limiter := ratelimit.New(*limits, nil)

	// 7. Judge runner against the scripted chat endpoint.
	llmClient := llm.New(map[string]config.ProviderCfg{
		testProvider: {BaseURL: judges.URL()},
	})
	judgeRunner := judge.NewRunner(llmClient, limiter)

	// 8. Scheduler and worker pool.
	scheduler := pipeline.NewScheduler(pipeline.Deps{
		Store:   st,
		Storage: blobs,
		Vault:   kv,
		Generators: map[string]pipeline.Generator{
			upstream.KindFPF:      upstream.NewFPF(generators.URL()),
			upstream.KindResearch: upstream.NewResearch(generators.URL()),
		},
		Judge:    judgeRunner,
		LLM:      llmClient,
		Limiter:  limiter,
		Defaults: tc.concurrency,
	})
	pool := pipeline.NewPool(st, scheduler, config.PoolConfig{
		Workers:      tc.workerCount,
		PollInterval: tc.pollInterval,
	}, nil)
	poolCtx, stopPool := context.WithCancel(ctx)
	pool.Start(poolCtx)

	// 9. Services and HTTP server.
	runs := services.NewRunService(st)
	runs.SetCanceller(pool)
	server := api.NewServer(api.Deps{
		DB:      db,
		Store:   st,
		Runs:    runs,
		Docs:    services.NewDocumentService(st, blobs),
		Evals:   services.NewEvalService(st),
		Events:  services.NewEventService(st),
		Vault:   kv,
		Limiter: limiter,
	})
	server.SetPool(pool)
	httpSrv := httptest.NewServer(server.Handler())

	// 10. Tenant API key, stored hashed the way the server expects it.
	rawKey := "ak-e2e-" + store.NewID()
	sum := sha256.Sum256([]byte(rawKey))
	require.NoError(t, st.APIKeys.Insert(ctx, &models.APIKey{
		KeyID:     store.NewID(),
		TenantID:  testTenant,
		KeyHash:   hex.EncodeToString(sum[:]),
		Name:      t.Name(),
		CreatedAt: time.Now(),
	}))

	// 11. API client, plus a provider key seeded through the vault path.
	cli := client.New(httpSrv.URL, rawKey)
	_, err = cli.PutKey(ctx, testProvider, testProviderKey)
	require.NoError(t, err)

	app := &TestApp{
		DB:         db,
		Store:      st,
		Vault:      kv,
		Generators: generators,
		Judges:     judges,
		Limiter:    limiter,
		Pool:       pool,
		Server:     server,
		BaseURL:    httpSrv.URL,
		APIKey:     rawKey,
		Client:     cli,
		t:          t,
	}

	// Reverse-creation order. Cancelling the pool context first releases any
	// parked in-flight work so Stop cannot wait on a blocked stub. Schema
	// cleanup is registered by SetupTestDatabase.
	t.Cleanup(func() {
		stopPool()
		pool.Stop()
		httpSrv.Close()
	})

	return app
}

func defaultRateLimits() *config.RateLimitConfig {
	return &config.RateLimitConfig{
		Defaults: config.ModelLimits{
			RPM: 10000,
			TPM: 50_000_000,
			RPD: 1_000_000,
		},
		AcquireTimeout: 30 * time.Second,
	}
}

// CreateRun creates a run for the test tenant with the given config JSON.
func (a *TestApp) CreateRun(ctx context.Context, title, cfg string) *models.Run {
	a.t.Helper()
	run, err := a.Client.CreateRun(ctx, &models.CreateRunRequest{
		ProjectID: "proj-e2e",
		Title:     title,
		Config:    json.RawMessage(cfg),
	})
	require.NoError(a.t, err)
	return run
}

// AttachInlineDocs attaches one inline markdown document per name, each with
// a distinct body, and returns document IDs keyed by display name.
func (a *TestApp) AttachInlineDocs(ctx context.Context, runID string, names ...string) map[string]string {
	a.t.Helper()
	specs := make([]*models.DocumentSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, &models.DocumentSpec{
			Content:  fmt.Sprintf("Source notes held in %s.\n", name),
			Filename: name,
		})
	}
	resp, err := a.Client.AttachDocuments(ctx, runID, specs)
	require.NoError(a.t, err)
	require.Len(a.t, resp.Documents, len(names))

	ids := make(map[string]string, len(names))
	for _, doc := range resp.Documents {
		ids[doc.DisplayName] = doc.DocumentID
	}
	return ids
}

// StartRun starts the run and asserts it was accepted for execution.
func (a *TestApp) StartRun(ctx context.Context, runID string) {
	a.t.Helper()
	resp, err := a.Client.StartRun(ctx, runID)
	require.NoError(a.t, err)
	require.Equal(a.t, models.RunStatusQueued, resp.Status)
}

// AwaitTerminal polls the run through the API until it reaches a terminal
// status, and returns the final snapshot.
func (a *TestApp) AwaitTerminal(ctx context.Context, runID string) *models.RunResponse {
	a.t.Helper()
	var last *models.RunResponse
	require.Eventually(a.t, func() bool {
		run, err := a.Client.GetRun(ctx, runID)
		if err != nil {
			return false
		}
		last = run
		return run.Status.Terminal()
	}, 30*time.Second, 25*time.Millisecond, "run %s never reached a terminal status", runID)
	return last
}
