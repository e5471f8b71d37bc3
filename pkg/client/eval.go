package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/promptarena/arena/pkg/models"
)

// EvalStatus reports per-phase evaluation progress for the run.
func (c *Client) EvalStatus(ctx context.Context, runID string) (*models.EvalStatusResponse, error) {
	var resp models.EvalStatusResponse
	if err := c.do(ctx, http.MethodGet, runPath(runID)+"/evaluate/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EvalResults returns the ranked artifacts. sortBy is "elo" or "score";
// empty picks the server default. limit <= 0 picks the server default.
func (c *Client) EvalResults(ctx context.Context, runID string, limit int, sortBy string) (*models.EvalResultsResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if sortBy != "" {
		q.Set("sort_by", sortBy)
	}

	path := runPath(runID) + "/evaluate/results"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp models.EvalResultsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Timeline returns the run's event log, oldest first. limit <= 0 picks the
// server default.
func (c *Client) Timeline(ctx context.Context, runID string, limit int) (*models.TimelineResponse, error) {
	path := runPath(runID) + "/timeline"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp models.TimelineResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
