package models

import "time"

// ProviderKeyInfo describes a stored provider credential without exposing it.
type ProviderKeyInfo struct {
	Provider   string    `json:"provider"`
	KeyVersion int       `json:"key_version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// APIKey is a tenant credential for the HTTP API. Only the sha256 hash of the
// key material is stored.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	TenantID   string     `json:"tenant_id"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
