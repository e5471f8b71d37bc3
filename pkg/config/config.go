// Package config loads and validates the engine configuration: the YAML
// config file (rate-limit table, provider registry, storage backend,
// concurrency defaults, retention) merged over built-in defaults, with
// environment expansion. Database and listener settings come from environment
// variables in the serve bootstrap.
package config

import (
	"fmt"
	"time"

	"github.com/promptarena/arena/pkg/models"
)

// Config is the resolved engine configuration.
type Config struct {
	Storage     StorageConfig          `yaml:"storage"`
	RateLimits  RateLimitConfig        `yaml:"rate_limits"`
	Providers   map[string]ProviderCfg `yaml:"providers"`
	Upstreams   UpstreamConfig         `yaml:"upstreams"`
	Pool        PoolConfig             `yaml:"pool"`
	Concurrency PhaseConcurrency       `yaml:"concurrency"`
	Retention   RetentionConfig        `yaml:"retention"`
}

// Storage backends.
const (
	StorageBackendLocal  = "local"
	StorageBackendGitHub = "github"
)

// StorageConfig selects and parameterizes the artifact storage backend.
type StorageConfig struct {
	Backend string              `yaml:"backend"` // local | github
	Local   LocalStorageConfig  `yaml:"local"`
	GitHub  GitHubStorageConfig `yaml:"github"`
}

// LocalStorageConfig is the filesystem backend.
type LocalStorageConfig struct {
	Root string `yaml:"root"`
}

// GitHubStorageConfig is the VCS-backed backend. The token is read from the
// environment variable named by TokenEnv, never stored in the file.
type GitHubStorageConfig struct {
	Owner    string        `yaml:"owner"`
	Repo     string        `yaml:"repo"`
	Branch   string        `yaml:"branch"`
	BasePath string        `yaml:"base_path"`
	TokenEnv string        `yaml:"token_env"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RateLimitConfig is the default rate-limit table keyed by provider then model.
// Buckets adopt these values on first use; response headers overwrite them.
type RateLimitConfig struct {
	Defaults       ModelLimits               `yaml:"defaults"`
	Providers      map[string]ProviderLimits `yaml:"providers"`
	AcquireTimeout time.Duration             `yaml:"acquire_timeout"`
}

// ProviderLimits bounds one provider: a concurrency cap plus per-model windows.
type ProviderLimits struct {
	MaxConcurrent int64                  `yaml:"max_concurrent"`
	Models        map[string]ModelLimits `yaml:"models"`
}

// ModelLimits is one (provider, model) window configuration.
type ModelLimits struct {
	RPM int64 `yaml:"rpm"`
	TPM int64 `yaml:"tpm"`
	RPD int64 `yaml:"rpd,omitempty"` // 0 disables the per-day counter
}

// ProviderCfg describes one judge/combine chat-completions endpoint.
type ProviderCfg struct {
	BaseURL string `yaml:"base_url"`
}

// UpstreamConfig locates the two generator services.
type UpstreamConfig struct {
	FPFURL      string `yaml:"fpf_url"`
	ResearchURL string `yaml:"research_url"`
}

// PoolConfig sizes the run worker pool.
type PoolConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PhaseConcurrency holds the per-phase worker counts used when a run's frozen
// config does not override them. Values clamp to [1, 20].
type PhaseConcurrency struct {
	Generation      int `yaml:"generation" json:"generation,omitempty"`
	SingleEval      int `yaml:"single_eval" json:"single_eval,omitempty"`
	PairwiseEval    int `yaml:"pairwise_eval" json:"pairwise_eval,omitempty"`
	Combine         int `yaml:"combine" json:"combine,omitempty"`
	PostCombineEval int `yaml:"post_combine_eval" json:"post_combine_eval,omitempty"`
}

// For returns the worker count configured for one phase, zero when unset.
func (c PhaseConcurrency) For(phase models.Phase) int {
	switch phase {
	case models.PhaseGeneration:
		return c.Generation
	case models.PhaseSingleEval:
		return c.SingleEval
	case models.PhasePairwiseEval:
		return c.PairwiseEval
	case models.PhaseCombine:
		return c.Combine
	case models.PhasePostCombineEval:
		return c.PostCombineEval
	}
	return 0
}

// RetentionConfig controls the optional sweep of old terminal runs.
// MaxAge zero disables the sweeper entirely.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"`
	Schedule string        `yaml:"schedule"`
}

// Concurrency bounds for phase worker pools.
const (
	MinPhaseConcurrency     = 1
	MaxPhaseConcurrency     = 20
	DefaultPhaseConcurrency = 2
)

// DefaultConfig returns the built-in configuration used when no file is given
// or as the base the file merges over.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: StorageBackendLocal,
			Local:   LocalStorageConfig{Root: "data/storage"},
			GitHub: GitHubStorageConfig{
				Branch:   "main",
				TokenEnv: "GITHUB_TOKEN",
				CacheTTL: 1 * time.Minute,
			},
		},
		RateLimits: RateLimitConfig{
			Defaults:       ModelLimits{RPM: 60, TPM: 100_000},
			AcquireTimeout: 120 * time.Second,
		},
		Upstreams: UpstreamConfig{
			FPFURL:      "http://localhost:8091",
			ResearchURL: "http://localhost:8092",
		},
		Pool: PoolConfig{
			Workers:      4,
			PollInterval: 2 * time.Second,
		},
		Concurrency: PhaseConcurrency{
			Generation:      DefaultPhaseConcurrency,
			SingleEval:      DefaultPhaseConcurrency,
			PairwiseEval:    DefaultPhaseConcurrency,
			Combine:         DefaultPhaseConcurrency,
			PostCombineEval: DefaultPhaseConcurrency,
		},
		Retention: RetentionConfig{
			Schedule: "@hourly",
		},
	}
}

// Validate checks the resolved configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageBackendLocal:
		if c.Storage.Local.Root == "" {
			return fmt.Errorf("storage.local.root is required for the local backend")
		}
	case StorageBackendGitHub:
		if c.Storage.GitHub.Owner == "" || c.Storage.GitHub.Repo == "" {
			return fmt.Errorf("storage.github.owner and storage.github.repo are required for the github backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	if c.RateLimits.Defaults.RPM <= 0 || c.RateLimits.Defaults.TPM <= 0 {
		return fmt.Errorf("rate_limits.defaults rpm and tpm must be positive")
	}
	for provider, pl := range c.RateLimits.Providers {
		if pl.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limits.providers.%s.max_concurrent must not be negative", provider)
		}
		for model, ml := range pl.Models {
			if ml.RPM <= 0 || ml.TPM <= 0 {
				return fmt.Errorf("rate_limits.providers.%s.models.%s: rpm and tpm must be positive", provider, model)
			}
		}
	}

	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool.workers must be positive")
	}
	if c.Pool.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("pool.poll_interval must be at least 100ms")
	}

	for _, pc := range []struct {
		name string
		v    int
	}{
		{"generation", c.Concurrency.Generation},
		{"single_eval", c.Concurrency.SingleEval},
		{"pairwise_eval", c.Concurrency.PairwiseEval},
		{"combine", c.Concurrency.Combine},
		{"post_combine_eval", c.Concurrency.PostCombineEval},
	} {
		if pc.v < MinPhaseConcurrency || pc.v > MaxPhaseConcurrency {
			return fmt.Errorf("concurrency.%s must be between %d and %d", pc.name, MinPhaseConcurrency, MaxPhaseConcurrency)
		}
	}

	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age must not be negative")
	}
	return nil
}

// ModelLimitsFor resolves the default window for a (provider, model) pair,
// falling back to the provider-agnostic defaults.
func (r *RateLimitConfig) ModelLimitsFor(provider, model string) ModelLimits {
	if pl, ok := r.Providers[provider]; ok {
		if ml, ok := pl.Models[model]; ok {
			return ml
		}
	}
	return r.Defaults
}

// MaxConcurrentFor resolves the provider concurrency cap. Zero falls back to
// a conservative default.
func (r *RateLimitConfig) MaxConcurrentFor(provider string) int64 {
	if pl, ok := r.Providers[provider]; ok && pl.MaxConcurrent > 0 {
		return pl.MaxConcurrent
	}
	return 10
}
