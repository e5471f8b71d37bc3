package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/models"
)

func TestParseRunConfigDefaults(t *testing.T) {
	cfg, err := ParseRunConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.IterationsDefault)
	assert.Empty(t, cfg.Generators)
	assert.False(t, cfg.Eval.AutoRun)
	assert.False(t, cfg.Combine.Enabled)
}

func TestParseRunConfigNormalization(t *testing.T) {
	raw := json.RawMessage(`{
		"iterations_default": 3,
		"generators": [
			{"kind": "fpf", "provider": "openai", "model": "gpt-5"},
			{"kind": "research", "provider": "anthropic", "model": "claude-sonnet-4-5", "iterations": 1}
		],
		"eval": {
			"auto_run": true,
			"judges": [{"provider": "openai", "model": "gpt-5"}]
		}
	}`)

	cfg, err := ParseRunConfig(raw)
	require.NoError(t, err)

	// Unset generator iterations inherit the default; explicit ones stay.
	assert.Equal(t, 3, cfg.Generators[0].Iterations)
	assert.Equal(t, 1, cfg.Generators[1].Iterations)

	// Eval defaults kick in once the block is configured.
	assert.Equal(t, 1, cfg.Eval.Iterations)
	assert.Equal(t, EvalModeBoth, cfg.Eval.Mode)
	assert.Equal(t, StrategyRoundRobin, cfg.Eval.PairwiseStrategy)
}

func TestParseRunConfigEvalWithoutAutoRun(t *testing.T) {
	// A config that names judges schedules evaluation even when auto_run is
	// absent; absent and false are indistinguishable in JSON.
	raw := json.RawMessage(`{
		"generators": [{"kind": "fpf", "provider": "openai", "model": "m-a", "iterations": 1}],
		"eval": {
			"iterations": 1,
			"mode": "both",
			"judges": [{"provider": "openai", "model": "m-a"}]
		},
		"concurrency": {"generation": 2}
	}`)

	cfg, err := ParseRunConfig(raw)
	require.NoError(t, err)

	assert.True(t, cfg.Eval.AutoRun, "judges imply auto_run")
	assert.Equal(t, StrategyRoundRobin, cfg.Eval.PairwiseStrategy)
	assert.True(t, cfg.PhaseEnabled(models.PhaseSingleEval))
	assert.True(t, cfg.PhaseEnabled(models.PhasePairwiseEval))
}

func TestParseRunConfigTopNImpliesTopK(t *testing.T) {
	raw := json.RawMessage(`{
		"eval": {
			"auto_run": true,
			"pairwise_top_n": 4,
			"judges": [{"provider": "openai", "model": "gpt-5"}]
		}
	}`)

	cfg, err := ParseRunConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, StrategyTopK, cfg.Eval.PairwiseStrategy)
}

func TestParseRunConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseRunConfig(json.RawMessage(`{"iterations": 2}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestParseRunConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "bad generator kind",
			raw:     `{"generators": [{"kind": "oracle", "provider": "openai", "model": "gpt-5"}]}`,
			wantErr: "generators[0].kind",
		},
		{
			name:    "generator missing model",
			raw:     `{"generators": [{"kind": "fpf", "provider": "openai"}]}`,
			wantErr: "provider and model are required",
		},
		{
			name:    "concurrency above cap",
			raw:     `{"concurrency": {"generation": 21}}`,
			wantErr: "concurrency.generation",
		},
		{
			name:    "concurrency below floor",
			raw:     `{"concurrency": {"combine": -1}}`,
			wantErr: "concurrency.combine",
		},
		{
			name:    "bad eval mode",
			raw:     `{"eval": {"auto_run": true, "mode": "tournament", "judges": [{"provider": "p", "model": "m"}]}}`,
			wantErr: "eval.mode",
		},
		{
			name:    "bad strategy",
			raw:     `{"eval": {"auto_run": true, "pairwise_strategy": "ladder", "judges": [{"provider": "p", "model": "m"}]}}`,
			wantErr: "eval.pairwise_strategy",
		},
		{
			name:    "auto_run without judges",
			raw:     `{"eval": {"auto_run": true}}`,
			wantErr: "eval.judges is required",
		},
		{
			name:    "bad eval mode without auto_run",
			raw:     `{"eval": {"mode": "bogus", "judges": [{"provider": "p", "model": "m"}]}}`,
			wantErr: "eval.mode",
		},
		{
			name:    "eval iterations without judges",
			raw:     `{"eval": {"iterations": 2}}`,
			wantErr: "eval.judges is required",
		},
		{
			name:    "combine without models",
			raw:     `{"combine": {"enabled": true}}`,
			wantErr: "combine.models is required",
		},
		{
			name:    "negative budget",
			raw:     `{"budget_usd": -1}`,
			wantErr: "budget_usd",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRunConfig(json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunConfigPhaseEnabled(t *testing.T) {
	raw := json.RawMessage(`{
		"generators": [{"kind": "fpf", "provider": "openai", "model": "gpt-5"}],
		"eval": {
			"auto_run": true,
			"mode": "single",
			"judges": [{"provider": "openai", "model": "gpt-5"}]
		},
		"combine": {"enabled": true, "models": [{"provider": "openai", "model": "gpt-5"}]}
	}`)

	cfg, err := ParseRunConfig(raw)
	require.NoError(t, err)

	assert.True(t, cfg.PhaseEnabled(models.PhaseGeneration))
	assert.True(t, cfg.PhaseEnabled(models.PhaseSingleEval))
	assert.False(t, cfg.PhaseEnabled(models.PhasePairwiseEval), "mode=single skips pairwise")
	assert.True(t, cfg.PhaseEnabled(models.PhaseCombine))
	assert.True(t, cfg.PhaseEnabled(models.PhasePostCombineEval))
}

func TestRunConfigFreezeRoundTrip(t *testing.T) {
	cfg, err := ParseRunConfig(json.RawMessage(`{"generators": [{"kind": "fpf", "provider": "openai", "model": "gpt-5"}]}`))
	require.NoError(t, err)

	frozen, err := cfg.Freeze()
	require.NoError(t, err)

	again, err := ParseRunConfig(frozen)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, 2, ClampConcurrency(0, 2), "unset uses fallback")
	assert.Equal(t, 5, ClampConcurrency(5, 2))
	assert.Equal(t, MaxPhaseConcurrency, ClampConcurrency(50, 2))
	assert.Equal(t, MinPhaseConcurrency, ClampConcurrency(-3, 2))
	assert.Equal(t, MaxPhaseConcurrency, ClampConcurrency(0, 99), "fallback is clamped too")
}
