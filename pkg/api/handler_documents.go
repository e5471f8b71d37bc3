package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/promptarena/arena/pkg/models"
)

// attachDocumentHandler handles POST /api/v1/runs/:id/documents. The body is
// one DocumentSpec, either a stored reference or inline content.
func (s *Server) attachDocumentHandler(c *gin.Context) {
	var spec models.DocumentSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	doc, err := s.deps.Docs.Attach(c.Request.Context(), tenantID(c), c.Param("id"), &spec)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// attachDocumentBatchHandler handles POST /api/v1/runs/:id/documents/batch.
// The body is a JSON array of specs; the batch attaches all-or-nothing.
func (s *Server) attachDocumentBatchHandler(c *gin.Context) {
	var specs []*models.DocumentSpec
	if err := c.ShouldBindJSON(&specs); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if len(specs) == 0 {
		badRequest(c, "batch must contain at least one document spec")
		return
	}
	if len(specs) > models.MaxBatchAttach {
		badRequest(c, fmt.Sprintf("batch exceeds maximum of %d documents", models.MaxBatchAttach))
		return
	}

	docs, err := s.deps.Docs.AttachBatch(c.Request.Context(), tenantID(c), c.Param("id"), specs)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, &DocumentListResponse{
		Documents:  docs,
		TotalCount: len(docs),
	})
}

// listDocumentsHandler handles GET /api/v1/runs/:id/documents. Documents come
// back in sort order with their per-run status.
func (s *Server) listDocumentsHandler(c *gin.Context) {
	docs, err := s.deps.Docs.List(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &DocumentListResponse{
		Documents:  docs,
		TotalCount: len(docs),
	})
}

// detachDocumentHandler handles DELETE /api/v1/runs/:id/documents/:docID.
// Removes the junction row; the document itself stays for other runs.
func (s *Server) detachDocumentHandler(c *gin.Context) {
	err := s.deps.Docs.Detach(c.Request.Context(), tenantID(c), c.Param("id"), c.Param("docID"))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
