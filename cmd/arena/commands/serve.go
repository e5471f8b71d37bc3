package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/promptarena/arena/pkg/api"
	"github.com/promptarena/arena/pkg/cleanup"
	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/database"
	"github.com/promptarena/arena/pkg/judge"
	"github.com/promptarena/arena/pkg/llm"
	"github.com/promptarena/arena/pkg/pipeline"
	"github.com/promptarena/arena/pkg/ratelimit"
	"github.com/promptarena/arena/pkg/services"
	"github.com/promptarena/arena/pkg/storage"
	"github.com/promptarena/arena/pkg/store"
	"github.com/promptarena/arena/pkg/upstream"
	"github.com/promptarena/arena/pkg/vault"
	"github.com/promptarena/arena/pkg/version"
)

// Shutdown budgets. The pool gets the long one so in-flight runs can persist
// their state; HTTP drain is quick because handlers are short-lived.
const (
	poolShutdownTimeout = 30 * time.Second
	httpShutdownTimeout = 5 * time.Second
)

type serveCommand struct {
	configPath string
}

func newServeCommand() *cobra.Command {
	rc := &serveCommand{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the arena HTTP service",
		Long: `Run the arena HTTP service: migrations, worker pool, retention sweeper,
and the API server. Configuration comes from the environment (DATABASE_*,
ARENA_HOST, ARENA_PORT, VAULT_KEY_PATH, SERVICE_SECRET) plus an optional
YAML file.`,
		Args: cobra.NoArgs,
		RunE: rc.run,
	}
	cmd.Flags().StringVar(&rc.configPath, "config", "",
		"server config file (env ARENA_CONFIG, default config/arena.yaml)")
	return cmd
}

func (rc *serveCommand) run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	// 1. Environment and logging. .env is optional and never overrides
	// values already present in the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: .env not loaded: %v\n", err)
	}
	setupLogging()

	slog.Info("Starting arena", "version", version.Full())

	// 2. Server configuration.
	configPath := rc.configPath
	if configPath == "" {
		configPath = getEnv("ARENA_CONFIG", "config/arena.yaml")
	}
	cfg, err := config.Initialize(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 3. Database. NewClient pings and runs migrations.
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	db, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	st := store.New(db.DB())

	// 4. Recover runs left in running status by a previous process.
	if err := pipeline.Reap(ctx, st); err != nil {
		slog.Warn("Orphaned run cleanup failed", "error", err)
	}

	// 5. Key vault and artifact storage.
	vlt, err := vault.NewFromKeyFile(os.Getenv("VAULT_KEY_PATH"), st.ProviderKeys)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	storageProvider, err := storage.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	// 6. Metrics, rate limiting, and the model-facing clients.
	registry := prometheus.NewRegistry()
	limiter := ratelimit.New(cfg.RateLimits, ratelimit.NewMetrics(registry))
	pipelineMetrics := pipeline.NewMetrics(registry)

	generators := map[string]pipeline.Generator{
		upstream.KindFPF:      upstream.NewFPF(cfg.Upstreams.FPFURL),
		upstream.KindResearch: upstream.NewResearch(cfg.Upstreams.ResearchURL),
	}
	llmClient := llm.New(cfg.Providers)
	judgeRunner := judge.NewRunner(llmClient, limiter)

	scheduler := pipeline.NewScheduler(pipeline.Deps{
		Store:      st,
		Storage:    storageProvider,
		Vault:      vlt,
		Generators: generators,
		Judge:      judgeRunner,
		LLM:        llmClient,
		Limiter:    limiter,
		Defaults:   cfg.Concurrency,
		Metrics:    pipelineMetrics,
	})

	// 7. Services.
	runService := services.NewRunService(st)
	docService := services.NewDocumentService(st, storageProvider)
	evalService := services.NewEvalService(st)
	eventService := services.NewEventService(st)

	// 8. Worker pool, started before HTTP so queued runs dispatch as soon as
	// requests can arrive.
	pool := pipeline.NewPool(st, scheduler, cfg.Pool, pipelineMetrics)
	runService.SetCanceller(pool)
	pool.Start(ctx)

	// 9. Retention sweeper, reporting failed sweeps as health warnings.
	warnings := services.NewSystemWarningsService()
	sweeper := cleanup.NewService(cfg.Retention, st, storageProvider, warnings)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("retention sweeper: %w", err)
	}

	// 10. HTTP API.
	srv := api.NewServer(api.Deps{
		DB:            db.DB(),
		Store:         st,
		Runs:          runService,
		Docs:          docService,
		Evals:         evalService,
		Events:        eventService,
		Vault:         vlt,
		Limiter:       limiter,
		Registry:      registry,
		Warnings:      warnings,
		ServiceSecret: os.Getenv("SERVICE_SECRET"),
	})
	srv.SetPool(pool)

	addr := net.JoinHostPort(getEnv("ARENA_HOST", "0.0.0.0"), getEnv("ARENA_PORT", "8080"))
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Stop intake first, then drain the pool within its budget, then the
	// sweeper. The deferred db.Close runs last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown did not drain in time", "error", err)
	}

	poolDone := make(chan struct{})
	go func() {
		pool.Stop()
		close(poolDone)
	}()
	select {
	case <-poolDone:
	case <-time.After(poolShutdownTimeout):
		slog.Warn("Worker pool did not drain within the shutdown budget")
	}

	sweeper.Stop()
	slog.Info("Shutdown complete")
	return nil
}

// setupLogging configures the default slog logger from LOG_LEVEL and
// LOG_FORMAT. Called after godotenv so .env values apply.
func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
