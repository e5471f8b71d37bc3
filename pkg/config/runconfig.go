package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/promptarena/arena/pkg/models"
)

// Generator kinds.
const (
	GeneratorFPF      = "fpf"
	GeneratorResearch = "research"
)

// Evaluation modes.
const (
	EvalModeSingle   = "single"
	EvalModePairwise = "pairwise"
	EvalModeBoth     = "both"
)

// Pairwise tournament strategies.
const (
	StrategyRoundRobin = "round-robin"
	StrategySwiss      = "swiss"
	StrategyTopK       = "top-k"
)

// RunConfig is the recognized shape of a run's frozen configuration. It is
// validated and normalized at run creation, stored as JSON, and treated as
// opaque afterwards.
type RunConfig struct {
	IterationsDefault int              `json:"iterations_default,omitempty"`
	Generators        []GeneratorSpec  `json:"generators,omitempty"`
	Concurrency       PhaseConcurrency `json:"concurrency,omitempty"`
	Eval              EvalConfig       `json:"eval,omitempty"`
	Combine           CombineConfig    `json:"combine,omitempty"`
	BudgetUSD         float64          `json:"budget_usd,omitempty"`
}

// GeneratorSpec selects one generator model with its iteration count.
type GeneratorSpec struct {
	Kind       string `json:"kind"` // fpf | research
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Iterations int    `json:"iterations,omitempty"`
}

// ModelRef names one (provider, model) pair for judges and combine models.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// EvalConfig controls the evaluation phases. Normalization sets AutoRun
// whenever any other option is present, so a frozen blob always carries an
// explicit auto_run.
type EvalConfig struct {
	AutoRun          bool              `json:"auto_run,omitempty"`
	Iterations       int               `json:"iterations,omitempty"`
	Mode             string            `json:"mode,omitempty"` // single | pairwise | both
	PairwiseTopN     int               `json:"pairwise_top_n,omitempty"`
	PairwiseStrategy string            `json:"pairwise_strategy,omitempty"`
	Judges           []ModelRef        `json:"judges,omitempty"`
	Rubrics          map[string]string `json:"rubrics,omitempty"`
}

// configured reports whether any eval option was set at all.
func (e *EvalConfig) configured() bool {
	return e.AutoRun || e.Iterations > 0 || e.Mode != "" || e.PairwiseTopN > 0 ||
		e.PairwiseStrategy != "" || len(e.Judges) > 0 || len(e.Rubrics) > 0
}

// CombineConfig controls the combine phase.
type CombineConfig struct {
	Enabled bool       `json:"enabled,omitempty"`
	Models  []ModelRef `json:"models,omitempty"`
}

// ParseRunConfig decodes, normalizes, and validates a frozen run config blob.
// Unknown keys are rejected: the recognized option set is closed.
func ParseRunConfig(raw json.RawMessage) (*RunConfig, error) {
	cfg := &RunConfig{}
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse run config: %w", err)
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize applies defaults so the frozen blob is self-contained.
func (c *RunConfig) normalize() {
	if c.IterationsDefault <= 0 {
		c.IterationsDefault = 1
	}
	for i := range c.Generators {
		if c.Generators[i].Iterations <= 0 {
			c.Generators[i].Iterations = c.IterationsDefault
		}
	}
	// Any eval option implies scheduling: absent and explicit false are
	// indistinguishable in JSON, and a config that names judges or a mode
	// expects them to run.
	if c.Eval.configured() {
		c.Eval.AutoRun = true
	}
	if c.Eval.AutoRun {
		if c.Eval.Iterations <= 0 {
			c.Eval.Iterations = 1
		}
		if c.Eval.Mode == "" {
			c.Eval.Mode = EvalModeBoth
		}
		if c.Eval.PairwiseStrategy == "" {
			if c.Eval.PairwiseTopN > 0 {
				c.Eval.PairwiseStrategy = StrategyTopK
			} else {
				c.Eval.PairwiseStrategy = StrategyRoundRobin
			}
		}
	}
}

// Validate checks every recognized option.
func (c *RunConfig) Validate() error {
	for i, g := range c.Generators {
		if g.Kind != GeneratorFPF && g.Kind != GeneratorResearch {
			return fmt.Errorf("generators[%d].kind must be %q or %q, got %q", i, GeneratorFPF, GeneratorResearch, g.Kind)
		}
		if g.Provider == "" || g.Model == "" {
			return fmt.Errorf("generators[%d]: provider and model are required", i)
		}
	}

	if err := validatePhaseRange("concurrency.generation", c.Concurrency.Generation); err != nil {
		return err
	}
	if err := validatePhaseRange("concurrency.single_eval", c.Concurrency.SingleEval); err != nil {
		return err
	}
	if err := validatePhaseRange("concurrency.pairwise_eval", c.Concurrency.PairwiseEval); err != nil {
		return err
	}
	if err := validatePhaseRange("concurrency.combine", c.Concurrency.Combine); err != nil {
		return err
	}
	if err := validatePhaseRange("concurrency.post_combine_eval", c.Concurrency.PostCombineEval); err != nil {
		return err
	}

	if c.Eval.AutoRun {
		switch c.Eval.Mode {
		case EvalModeSingle, EvalModePairwise, EvalModeBoth:
		default:
			return fmt.Errorf("eval.mode must be single, pairwise, or both, got %q", c.Eval.Mode)
		}
		switch c.Eval.PairwiseStrategy {
		case StrategyRoundRobin, StrategySwiss, StrategyTopK:
		default:
			return fmt.Errorf("eval.pairwise_strategy must be round-robin, swiss, or top-k, got %q", c.Eval.PairwiseStrategy)
		}
		if c.Eval.PairwiseTopN < 0 {
			return fmt.Errorf("eval.pairwise_top_n must not be negative")
		}
		if len(c.Eval.Judges) == 0 {
			return fmt.Errorf("eval.judges is required when evaluation is configured")
		}
		for i, j := range c.Eval.Judges {
			if j.Provider == "" || j.Model == "" {
				return fmt.Errorf("eval.judges[%d]: provider and model are required", i)
			}
		}
	}

	if c.Combine.Enabled {
		if len(c.Combine.Models) == 0 {
			return fmt.Errorf("combine.models is required when combine.enabled is set")
		}
		for i, m := range c.Combine.Models {
			if m.Provider == "" || m.Model == "" {
				return fmt.Errorf("combine.models[%d]: provider and model are required", i)
			}
		}
	}

	if c.BudgetUSD < 0 {
		return fmt.Errorf("budget_usd must not be negative")
	}
	return nil
}

func validatePhaseRange(name string, v int) error {
	if v == 0 {
		return nil // unset, server default applies
	}
	if v < MinPhaseConcurrency || v > MaxPhaseConcurrency {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, MinPhaseConcurrency, MaxPhaseConcurrency, v)
	}
	return nil
}

// Freeze marshals the normalized config to the blob stored on the run.
func (c *RunConfig) Freeze() (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("freeze run config: %w", err)
	}
	return data, nil
}

// ConcurrencyFor returns the run's explicit concurrency for a phase, or 0 when
// unset (the scheduler then falls back to the server default).
func (c *RunConfig) ConcurrencyFor(phase models.Phase) int {
	return c.Concurrency.For(phase)
}

// PhaseEnabled reports whether the run's frozen config schedules a phase.
func (c *RunConfig) PhaseEnabled(phase models.Phase) bool {
	switch phase {
	case models.PhaseGeneration:
		return len(c.Generators) > 0
	case models.PhaseSingleEval:
		return c.Eval.AutoRun && (c.Eval.Mode == EvalModeSingle || c.Eval.Mode == EvalModeBoth)
	case models.PhasePairwiseEval:
		return c.Eval.AutoRun && (c.Eval.Mode == EvalModePairwise || c.Eval.Mode == EvalModeBoth)
	case models.PhaseCombine:
		return c.Combine.Enabled
	case models.PhasePostCombineEval:
		return c.Combine.Enabled && c.Eval.AutoRun
	}
	return false
}

// ClampConcurrency bounds an effective per-phase worker count to [1, 20],
// substituting the fallback when v is unset.
func ClampConcurrency(v, fallback int) int {
	if v == 0 {
		v = fallback
	}
	if v < MinPhaseConcurrency {
		return MinPhaseConcurrency
	}
	if v > MaxPhaseConcurrency {
		return MaxPhaseConcurrency
	}
	return v
}
