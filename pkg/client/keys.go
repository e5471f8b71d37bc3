package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/promptarena/arena/pkg/api"
)

// PutKey stores or replaces the tenant's provider key. The plaintext goes
// out in the request body and is never echoed back.
func (c *Client) PutKey(ctx context.Context, provider, key string) (*api.KeyResponse, error) {
	var resp api.KeyResponse
	req := api.PutKeyRequest{Key: key}
	if err := c.do(ctx, http.MethodPut, keyPath(provider), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListKeys lists the tenant's stored providers. Metadata only.
func (c *Client) ListKeys(ctx context.Context) (*api.KeyListResponse, error) {
	var resp api.KeyListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/keys", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteKey removes the tenant's key for the provider.
func (c *Client) DeleteKey(ctx context.Context, provider string) error {
	return c.do(ctx, http.MethodDelete, keyPath(provider), nil, nil)
}

func keyPath(provider string) string {
	return "/api/v1/keys/" + url.PathEscape(provider)
}
