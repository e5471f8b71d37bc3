package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/services"
)

func inlineSpec(name, content string) map[string]any {
	return map[string]any{"filename": name, "content": content}
}

func TestAttachDocumentEndpoint(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents", inlineSpec("notes.md", "release notes"))
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var doc models.AttachedDocument
	decodeJSON(t, rec, &doc)
	assert.Len(t, doc.DocumentID, 26)
	assert.Equal(t, models.DocStatusPending, doc.Status)
	assert.Equal(t, 0, doc.SortOrder)
	assert.Equal(t, "notes.md", doc.DisplayName)
}

func TestAttachStoredReference(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents", map[string]any{
		"repo": "acme/docs", "ref": "main", "path": "guides/style.md",
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var doc models.AttachedDocument
	decodeJSON(t, rec, &doc)
	assert.Equal(t, "style.md", doc.DisplayName)
}

func TestAttachDocumentValidation(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	t.Run("empty spec", func(t *testing.T) {
		rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, services.CodeValidation, errorType(t, rec))
	})

	t.Run("stored and inline together", func(t *testing.T) {
		rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents", map[string]any{
			"repo": "acme/docs", "ref": "main", "path": "a.md",
			"content": "x", "filename": "a.md",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown run", func(t *testing.T) {
		rec := ts.do(t, "POST", "/api/v1/runs/01JUNKJUNKJUNKJUNKJUNKJUNK/documents", inlineSpec("a.md", "x"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAttachDuplicateDocument(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents", inlineSpec("notes.md", "same bytes"))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Identical inline content dedupes to the same document, so the second
	// attach hits the (run, document) unique key.
	rec = ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents", inlineSpec("notes.md", "same bytes"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, services.CodeDocumentAlreadyAttached, errorType(t, rec))
}

func TestAttachAfterStartRejected(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents", inlineSpec("late.md", "too late"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, services.CodeRunNotPending, errorType(t, rec))
}

func TestAttachBatchEndpoint(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents/batch", []map[string]any{
		inlineSpec("a.md", "alpha"),
		inlineSpec("b.md", "beta"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var resp DocumentListResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 2, resp.TotalCount)
	assert.Equal(t, 0, resp.Documents[0].SortOrder)
	assert.Equal(t, 1, resp.Documents[1].SortOrder)
}

func TestAttachBatchValidation(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	t.Run("empty batch", func(t *testing.T) {
		rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents/batch", []map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversize batch", func(t *testing.T) {
		specs := make([]map[string]any, models.MaxBatchAttach+1)
		for i := range specs {
			specs[i] = inlineSpec(fmt.Sprintf("doc-%d.md", i), fmt.Sprintf("content %d", i))
		}
		rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents/batch", specs)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAttachBatchAllOrNothing(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents", inlineSpec("a.md", "alpha"))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Second spec collides with the already-attached document; the whole
	// batch rolls back, including the valid first spec.
	rec = ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents/batch", []map[string]any{
		inlineSpec("b.md", "beta"),
		inlineSpec("a.md", "alpha"),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, "GET", "/api/v1/runs/"+run.RunID+"/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list DocumentListResponse
	decodeJSON(t, rec, &list)
	assert.Equal(t, 1, list.TotalCount, "failed batch must not leave partial attachments")
}

func TestListDocumentsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	for _, name := range []string{"first.md", "second.md", "third.md"} {
		rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents", inlineSpec(name, "body of "+name))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, "GET", "/api/v1/runs/"+run.RunID+"/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DocumentListResponse
	decodeJSON(t, rec, &resp)
	require.Equal(t, 3, resp.TotalCount)
	assert.Equal(t, "first.md", resp.Documents[0].DisplayName)
	assert.Equal(t, "third.md", resp.Documents[2].DisplayName)
}

func TestDetachDocumentEndpoint(t *testing.T) {
	ts := newTestServer(t)
	run := mustCreateRun(t, ts)

	rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents", inlineSpec("a.md", "alpha"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc models.AttachedDocument
	decodeJSON(t, rec, &doc)

	rec = ts.do(t, "DELETE", "/api/v1/runs/"+run.RunID+"/documents/"+doc.DocumentID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	t.Run("second detach is 404", func(t *testing.T) {
		rec := ts.do(t, "DELETE", "/api/v1/runs/"+run.RunID+"/documents/"+doc.DocumentID, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, services.CodeDocumentNotAttached, errorType(t, rec))
	})

	t.Run("detach after start is rejected", func(t *testing.T) {
		run := mustCreateRun(t, ts)
		rec := ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/documents", inlineSpec("b.md", "beta"))
		require.Equal(t, http.StatusCreated, rec.Code)
		var doc models.AttachedDocument
		decodeJSON(t, rec, &doc)

		rec = ts.do(t, "POST", "/api/v1/runs/"+run.RunID+"/start", nil)
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = ts.do(t, "DELETE", "/api/v1/runs/"+run.RunID+"/documents/"+doc.DocumentID, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}
