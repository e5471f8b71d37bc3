package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/promptarena/arena/pkg/services"
)

// Gin context keys set by the middleware chain.
const (
	ctxTenantID  = "tenant_id"
	ctxRequestID = "request_id"
)

// hashAPIKey returns the hex sha256 of the presented key material. Only this
// hash is ever compared against or stored in the database.
func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// authRequired resolves the caller to a tenant. Two credential paths:
//
//   - X-API-Key: tenant API key, looked up by sha256 hash.
//   - X-Service-Secret: shared plugin/service secret; the acting tenant
//     comes from X-Tenant-ID.
//
// On success the tenant id lands in the request context for handlers.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" {
			apiKey, err := s.deps.Store.APIKeys.GetByHash(c.Request.Context(), hashAPIKey(key))
			if err != nil {
				slog.Error("API key lookup failed", "error", err)
				writeError(c, 500, services.CodeInternal, "internal server error")
				return
			}
			if apiKey == nil {
				writeError(c, 401, services.CodeAuth, "invalid API key")
				return
			}
			if err := s.deps.Store.APIKeys.TouchLastUsed(c.Request.Context(), apiKey.KeyID, time.Now()); err != nil {
				slog.Warn("Failed to stamp API key usage", "key_id", apiKey.KeyID, "error", err)
			}
			c.Set(ctxTenantID, apiKey.TenantID)
			c.Next()
			return
		}

		if secret := c.GetHeader("X-Service-Secret"); secret != "" {
			if s.deps.ServiceSecret == "" ||
				subtle.ConstantTimeCompare([]byte(secret), []byte(s.deps.ServiceSecret)) != 1 {
				writeError(c, 401, services.CodeAuth, "invalid service secret")
				return
			}
			tenant := c.GetHeader("X-Tenant-ID")
			if tenant == "" {
				writeError(c, 401, services.CodeAuth, "X-Tenant-ID header is required with a service secret")
				return
			}
			c.Set(ctxTenantID, tenant)
			c.Next()
			return
		}

		writeError(c, 401, services.CodeAuth, "missing credentials: provide X-API-Key or X-Service-Secret")
	}
}

// tenantID returns the authenticated tenant for the request.
func tenantID(c *gin.Context) string {
	return c.GetString(ctxTenantID)
}

// extractAuthor extracts the acting user from proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy) > "api-client"
func extractAuthor(c *gin.Context) string {
	if user := c.GetHeader("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.GetHeader("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.GetHeader("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}
