package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Read the YAML file at path (optional; missing file keeps defaults)
//  3. Expand environment variables ({{.VAR}} template syntax)
//  4. Merge file values over defaults (non-zero values override)
//  5. Validate the result
func Initialize(_ context.Context, path string) (*Config, error) {
	log := slog.With("config_file", path)
	log.Info("Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"storage_backend", cfg.Storage.Backend,
		"rate_limit_providers", len(cfg.RateLimits.Providers),
		"chat_providers", len(cfg.Providers),
		"pool_workers", cfg.Pool.Workers)

	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional; defaults plus env cover the dev setup.
			slog.Warn("Config file not found, using built-in defaults", "path", path)
			return cfg, nil
		}
		return nil, err
	}

	data = expandEnv(data)

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Merge file values over defaults to preserve unset defaults.
	if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}

	return cfg, nil
}

// expandEnv renders {{.VAR}} template references in the config file against
// the process environment. Template syntax rather than $VAR keeps literal
// dollar signs in connection strings and passwords intact.
//
//	database:
//	  url: "{{.DATABASE_URL}}"
//	vault:
//	  key_path: "{{.VAULT_KEY_PATH}}"
//
// Unset variables render as empty strings; Validate rejects required fields
// left empty. Content that does not parse as a template passes through
// unchanged.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		// Cut on the first = only; values may contain = themselves.
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
