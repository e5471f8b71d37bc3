package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/promptarena/arena/pkg/api"
	"github.com/promptarena/arena/pkg/models"
)

// AttachDocument attaches one document to a pending run.
func (c *Client) AttachDocument(ctx context.Context, runID string, spec *models.DocumentSpec) (*models.AttachedDocument, error) {
	var doc models.AttachedDocument
	if err := c.do(ctx, http.MethodPost, runPath(runID)+"/documents", spec, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// AttachDocuments attaches up to the batch limit of documents atomically:
// one duplicate rejects the whole batch.
func (c *Client) AttachDocuments(ctx context.Context, runID string, specs []*models.DocumentSpec) (*api.DocumentListResponse, error) {
	var resp api.DocumentListResponse
	if err := c.do(ctx, http.MethodPost, runPath(runID)+"/documents/batch", specs, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDocuments lists the run's attached documents in sort order.
func (c *Client) ListDocuments(ctx context.Context, runID string) (*api.DocumentListResponse, error) {
	var resp api.DocumentListResponse
	if err := c.do(ctx, http.MethodGet, runPath(runID)+"/documents", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DetachDocument removes a document from a pending run. The document row
// itself is shared and survives for other runs.
func (c *Client) DetachDocument(ctx context.Context, runID, documentID string) error {
	path := runPath(runID) + "/documents/" + url.PathEscape(documentID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
