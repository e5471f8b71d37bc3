package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/promptarena/arena/pkg/services"
)

// PutKeyRequest is the body of PUT /api/v1/keys/:provider. The key transits
// this request and the vault's encrypt path only; it is never logged and
// never returned.
type PutKeyRequest struct {
	Key string `json:"key"`
}

// putKeyHandler handles PUT /api/v1/keys/:provider. Storing a key for a
// provider that already has one overwrites it and bumps the key version.
func (s *Server) putKeyHandler(c *gin.Context) {
	provider := c.Param("provider")

	var req PutKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" {
		badRequest(c, "key is required")
		return
	}

	if err := s.deps.Vault.Put(c.Request.Context(), tenantID(c), provider, req.Key); err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &KeyResponse{
		Provider: provider,
		Message:  "provider key stored",
	})
}

// listKeysHandler handles GET /api/v1/keys. Returns metadata only.
func (s *Server) listKeysHandler(c *gin.Context) {
	keys, err := s.deps.Vault.ListProviders(c.Request.Context(), tenantID(c))
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, &KeyListResponse{Keys: keys})
}

// deleteKeyHandler handles DELETE /api/v1/keys/:provider.
func (s *Server) deleteKeyHandler(c *gin.Context) {
	err := s.deps.Vault.Delete(c.Request.Context(), tenantID(c), c.Param("provider"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			mapServiceError(c, services.ErrKeyNotFound)
			return
		}
		mapServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
