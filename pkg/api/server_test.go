package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/config"
	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/ratelimit"
	"github.com/promptarena/arena/pkg/services"
	"github.com/promptarena/arena/pkg/storage"
	"github.com/promptarena/arena/pkg/store"
	"github.com/promptarena/arena/pkg/vault"
	"github.com/promptarena/arena/test/util"
)

// Credentials seeded by newTestServer.
const (
	testAPIKey        = "ak-tenant-a-0001"
	testServiceSecret = "plugin-secret"
)

type testServer struct {
	srv   *Server
	store *store.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := util.SetupTestDatabase(t)
	st := store.New(db)

	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	v, err := vault.New(bytes.Repeat([]byte{0x2a}, 32), st.ProviderKeys)
	require.NoError(t, err)
	limiter := ratelimit.New(config.RateLimitConfig{
		Defaults: config.ModelLimits{RPM: 10000, TPM: 50_000_000},
	}, nil)

	srv := NewServer(Deps{
		DB:            db,
		Store:         st,
		Runs:          services.NewRunService(st),
		Docs:          services.NewDocumentService(st, local),
		Evals:         services.NewEvalService(st),
		Events:        services.NewEventService(st),
		Vault:         v,
		Limiter:       limiter,
		ServiceSecret: testServiceSecret,
	})

	seedAPIKey(t, st, "tenant-a", testAPIKey)
	return &testServer{srv: srv, store: st}
}

func seedAPIKey(t *testing.T, st *store.Store, tenant, key string) {
	t.Helper()
	err := st.APIKeys.Insert(context.Background(), &models.APIKey{
		KeyID:     store.NewID(),
		TenantID:  tenant,
		KeyHash:   hashAPIKey(key),
		Name:      tenant + " key",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

// do issues an authenticated request as tenant-a.
func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doWithHeaders(t, method, path, body, map[string]string{"X-API-Key": testAPIKey})
}

// doAs issues a service-secret request on behalf of the named tenant.
func (ts *testServer) doAs(t *testing.T, tenant, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doWithHeaders(t, method, path, body, map[string]string{
		"X-Service-Secret": testServiceSecret,
		"X-Tenant-ID":      tenant,
	})
}

func (ts *testServer) doWithHeaders(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewReader([]byte(b))
		default:
			raw, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// decodeJSON unmarshals a response body, failing the test on bad JSON.
func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out),
		"response body: %s", rec.Body.String())
}

// errorType pulls error_type out of an error response body.
func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	decodeJSON(t, rec, &resp)
	return resp.ErrorType
}

// createRunBody is a minimal valid create request.
func createRunBody() map[string]any {
	return map[string]any{
		"project_id": "proj-1",
		"title":      "weekly digest",
		"config": map[string]any{
			"generators": []map[string]any{
				{"kind": "fpf", "provider": "openai", "model": "gpt-5"},
			},
		},
	}
}

// mustCreateRun creates a pending run through the API and returns it.
func mustCreateRun(t *testing.T, ts *testServer) *models.Run {
	t.Helper()
	rec := ts.do(t, "POST", "/api/v1/runs", createRunBody())
	require.Equal(t, 201, rec.Code, "body: %s", rec.Body.String())
	var run models.Run
	decodeJSON(t, rec, &run)
	return &run
}
