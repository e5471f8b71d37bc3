// Package storage provides the artifact storage backends: a rooted local
// filesystem and a GitHub repository driven through the Contents API. Paths
// are slash-separated and relative to the backend root; callers compose them
// from run and artifact IDs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/promptarena/arena/pkg/config"
)

// ErrNotFound is returned by Read and Hash for paths with no stored content.
var ErrNotFound = errors.New("storage: path not found")

// Provider is the backend-neutral storage surface. Write returns a backend
// version identifier: the content hash for local storage, the commit SHA for
// GitHub.
type Provider interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte, message string) (string, error)
	WriteBatch(ctx context.Context, files map[string][]byte, message string) (string, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
	Hash(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string, message string) error
}

// New builds the backend selected by the configuration. The GitHub token is
// read from the environment variable named in the config, never from the
// file itself.
func New(cfg config.StorageConfig) (Provider, error) {
	switch cfg.Backend {
	case config.StorageBackendLocal:
		return NewLocal(cfg.Local.Root)
	case config.StorageBackendGitHub:
		token := os.Getenv(cfg.GitHub.TokenEnv)
		return NewGitHub(cfg.GitHub, token), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
