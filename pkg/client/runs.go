package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/promptarena/arena/pkg/api"
	"github.com/promptarena/arena/pkg/models"
)

const defaultWatchInterval = 2 * time.Second

// CreateRun submits a new run. It comes back in pending status.
func (c *Client) CreateRun(ctx context.Context, req *models.CreateRunRequest) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists the tenant's runs, filtered and paginated.
func (c *Client) ListRuns(ctx context.Context, filters models.RunFilters) (*models.RunListResponse, error) {
	q := url.Values{}
	if filters.Status != "" {
		q.Set("status", filters.Status)
	}
	if filters.ProjectID != "" {
		q.Set("project_id", filters.ProjectID)
	}
	if len(filters.Tags) > 0 {
		q.Set("tags", strings.Join(filters.Tags, ","))
	}
	if filters.OrderBy != "" {
		q.Set("order_by", filters.OrderBy)
	}
	if filters.Limit > 0 {
		q.Set("limit", strconv.Itoa(filters.Limit))
	}
	if filters.Offset > 0 {
		q.Set("offset", strconv.Itoa(filters.Offset))
	}

	path := "/api/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp models.RunListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun fetches one run with its aggregate status summary.
func (c *Client) GetRun(ctx context.Context, runID string) (*models.RunResponse, error) {
	var resp models.RunResponse
	if err := c.do(ctx, http.MethodGet, runPath(runID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateRun patches the run's mutable fields.
func (c *Client) UpdateRun(ctx context.Context, runID string, req models.UpdateRunRequest) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodPatch, runPath(runID), req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// DeleteRun soft-deletes the run: it is cancelled and retained until the
// retention sweeper removes it.
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, runPath(runID), nil, nil)
}

// StartRun queues a pending run for execution.
func (c *Client) StartRun(ctx context.Context, runID string) (*api.RunActionResponse, error) {
	var resp api.RunActionResponse
	if err := c.do(ctx, http.MethodPost, runPath(runID)+"/start", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelRun requests cancellation. Terminal runs are a no-op.
func (c *Client) CancelRun(ctx context.Context, runID string) (*api.RunActionResponse, error) {
	var resp api.RunActionResponse
	if err := c.do(ctx, http.MethodPost, runPath(runID)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTasks lists the run's tasks with per-task errors and costs.
func (c *Client) ListTasks(ctx context.Context, runID string) (*models.TaskListResponse, error) {
	var resp models.TaskListResponse
	if err := c.do(ctx, http.MethodGet, runPath(runID)+"/tasks", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListArtifacts lists the run's artifacts.
func (c *Client) ListArtifacts(ctx context.Context, runID string) (*models.ArtifactListResponse, error) {
	var resp models.ArtifactListResponse
	if err := c.do(ctx, http.MethodGet, runPath(runID)+"/artifacts", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WatchRun polls the run until it reaches a terminal status, calling
// onUpdate (when set) after every poll. It returns the final run, or the
// last seen run together with the context error when ctx ends first.
func (c *Client) WatchRun(ctx context.Context, runID string, interval time.Duration, onUpdate func(*models.RunResponse)) (*models.RunResponse, error) {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(run)
		}
		if run.Status.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runPath(runID string) string {
	return fmt.Sprintf("/api/v1/runs/%s", url.PathEscape(runID))
}
