package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/promptarena/arena/pkg/config"
)

const defaultAPIBase = "https://api.github.com"

// GitHub stores artifacts in a repository through the Contents API. Every
// write is a commit and the write version is the commit SHA, which gives the
// artifact history for free. Reads go through a TTL cache.
type GitHub struct {
	httpClient *http.Client
	apiBase    string
	token      string
	owner      string
	repo       string
	branch     string
	basePath   string
	cache      *readCache
}

// NewGitHub creates a Contents API client for the configured repository.
// token may be empty (public repos only, lower rate limits).
func NewGitHub(cfg config.GitHubStorageConfig, token string) *GitHub {
	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	return &GitHub{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBase:    defaultAPIBase,
		token:      token,
		owner:      cfg.Owner,
		repo:       cfg.Repo,
		branch:     branch,
		basePath:   strings.Trim(cfg.BasePath, "/"),
		cache:      newReadCache(cfg.CacheTTL),
	}
}

// contentItem is a single entry in a GitHub Contents API response.
type contentItem struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Type        string `json:"type"` // "file" or "dir"
	SHA         string `json:"sha"`
	Encoding    string `json:"encoding"`
	Content     string `json:"content"`
	DownloadURL string `json:"download_url"`
}

// repoPath joins the configured base path with a storage path.
func (g *GitHub) repoPath(p string) string {
	p = strings.Trim(p, "/")
	switch {
	case g.basePath == "":
		return p
	case p == "":
		return g.basePath
	default:
		return g.basePath + "/" + p
	}
}

// storagePath strips the base path from a repository path.
func (g *GitHub) storagePath(repoPath string) string {
	if g.basePath == "" {
		return repoPath
	}
	return strings.TrimPrefix(strings.TrimPrefix(repoPath, g.basePath), "/")
}

func (g *GitHub) contentsURL(repoPath string) string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		g.apiBase, g.owner, g.repo, repoPath, url.QueryEscape(g.branch))
}

func (g *GitHub) setAuthHeader(req *http.Request) {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}

func (g *GitHub) Read(ctx context.Context, path string) ([]byte, error) {
	if data, ok := g.cache.Get(path); ok {
		return data, nil
	}

	item, err := g.getFile(ctx, g.repoPath(path))
	if err != nil {
		return nil, err
	}

	var data []byte
	switch {
	case item.Encoding == "base64":
		data, err = base64.StdEncoding.DecodeString(strings.ReplaceAll(item.Content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("failed to decode content for %s: %w", path, err)
		}
	case item.DownloadURL != "":
		// Files over the Contents API size limit come back with empty
		// content and a raw download URL.
		data, err = g.download(ctx, item.DownloadURL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("GitHub returned no content for %s", path)
	}

	g.cache.Set(path, data)
	return data, nil
}

func (g *GitHub) Write(ctx context.Context, path string, data []byte, message string) (string, error) {
	repoPath := g.repoPath(path)

	// Updating an existing file requires its current blob SHA.
	existingSHA, err := g.blobSHA(ctx, repoPath)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(data),
		"branch":  g.branch,
	}
	if existingSHA != "" {
		payload["sha"] = existingSHA
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode commit payload: %w", err)
	}

	apiURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s", g.apiBase, g.owner, g.repo, repoPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Content-Type", "application/json")
	g.setAuthHeader(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to commit %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("GitHub API returned HTTP %d committing %q", resp.StatusCode, path)
	}

	var result struct {
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode commit response: %w", err)
	}

	g.cache.Invalidate(path)
	return result.Commit.SHA, nil
}

// Delete removes one file in its own commit. Missing paths report
// ErrNotFound.
func (g *GitHub) Delete(ctx context.Context, path string, message string) error {
	repoPath := g.repoPath(path)

	sha, err := g.blobSHA(ctx, repoPath)
	if err != nil {
		return err
	}
	if sha == "" {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	payload := map[string]any{
		"message": message,
		"sha":     sha,
		"branch":  g.branch,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode delete payload: %w", err)
	}

	apiURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s", g.apiBase, g.owner, g.repo, repoPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Content-Type", "application/json")
	g.setAuthHeader(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GitHub API returned HTTP %d deleting %q", resp.StatusCode, path)
	}

	g.cache.Invalidate(path)
	return nil
}

// WriteBatch commits files one at a time in path order with the shared
// message; the Contents API has no multi-file commit. Returns the last
// commit SHA.
func (g *GitHub) WriteBatch(ctx context.Context, files map[string][]byte, message string) (string, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var version string
	for _, p := range paths {
		v, err := g.Write(ctx, p, files[p], message)
		if err != nil {
			return "", err
		}
		version = v
	}
	return version, nil
}

// List returns every file path under the prefix directory, recursively.
// Paths are relative to the storage root. A missing prefix lists empty.
func (g *GitHub) List(ctx context.Context, prefix string) ([]string, error) {
	items, err := g.listDir(ctx, g.repoPath(prefix))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []string
	for _, item := range items {
		switch item.Type {
		case "file":
			out = append(out, g.storagePath(item.Path))
		case "dir":
			sub, err := g.List(ctx, g.storagePath(item.Path))
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (g *GitHub) Exists(ctx context.Context, path string) (bool, error) {
	sha, err := g.blobSHA(ctx, g.repoPath(path))
	if err != nil {
		return false, err
	}
	return sha != "", nil
}

// Hash returns the git blob SHA of the stored file.
func (g *GitHub) Hash(ctx context.Context, path string) (string, error) {
	item, err := g.getFile(ctx, g.repoPath(path))
	if err != nil {
		return "", err
	}
	return item.SHA, nil
}

// blobSHA returns the current blob SHA for a repository path, or "" when the
// path does not exist.
func (g *GitHub) blobSHA(ctx context.Context, repoPath string) (string, error) {
	item, err := g.getFile(ctx, repoPath)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return item.SHA, nil
}

// getFile fetches Contents API metadata for a single file.
func (g *GitHub) getFile(ctx context.Context, repoPath string) (*contentItem, error) {
	body, err := g.getContents(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 && body[0] == '[' {
		return nil, fmt.Errorf("path %q is a directory", repoPath)
	}
	var item contentItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("failed to decode contents response: %w", err)
	}
	return &item, nil
}

// listDir fetches Contents API metadata for a directory.
func (g *GitHub) listDir(ctx context.Context, repoPath string) ([]contentItem, error) {
	body, err := g.getContents(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 && body[0] != '[' {
		return nil, fmt.Errorf("path %q is a file", repoPath)
	}
	var items []contentItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("failed to decode contents response: %w", err)
	}
	return items, nil
}

func (g *GitHub) getContents(ctx context.Context, repoPath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.contentsURL(repoPath), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	g.setAuthHeader(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch contents at %s: %w", repoPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, repoPath)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned HTTP %d for path %q", resp.StatusCode, repoPath)
	}

	return io.ReadAll(resp.Body)
}

// download fetches raw content, used for files too large for inline base64.
func (g *GitHub) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	g.setAuthHeader(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub returned HTTP %d for %s", resp.StatusCode, rawURL)
	}

	return io.ReadAll(resp.Body)
}
