package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/promptarena/arena/pkg/models"
)

// ProviderKeyStore persists encrypted provider credentials. Only ciphertext
// crosses this boundary; encryption and decryption live in the vault.
type ProviderKeyStore struct {
	q DBTX
}

// Upsert writes the ciphertext for a (tenant, provider), bumping key_version
// on overwrite.
func (s *ProviderKeyStore) Upsert(ctx context.Context, tenantID, provider string, ciphertext []byte) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO provider_keys (tenant_id, provider, ciphertext, key_version, created_at, updated_at)
		VALUES ($1, $2, $3, 1, now(), now())
		ON CONFLICT (tenant_id, provider) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext,
		    key_version = provider_keys.key_version + 1,
		    updated_at = now()`,
		tenantID, provider, ciphertext)
	if err != nil {
		return fmt.Errorf("upsert provider key: %w", err)
	}
	return nil
}

// Get returns the ciphertext for a (tenant, provider). Returns (nil, nil)
// when absent.
func (s *ProviderKeyStore) Get(ctx context.Context, tenantID, provider string) ([]byte, error) {
	var ciphertext []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT ciphertext FROM provider_keys WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider).Scan(&ciphertext)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get provider key: %w", err)
	}
	return ciphertext, nil
}

// GetAll returns every ciphertext a tenant has stored, keyed by provider.
func (s *ProviderKeyStore) GetAll(ctx context.Context, tenantID string) (map[string][]byte, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT provider, ciphertext FROM provider_keys WHERE tenant_id = $1`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("get provider keys: %w", err)
	}
	defer rows.Close()

	keys := map[string][]byte{}
	for rows.Next() {
		var (
			provider   string
			ciphertext []byte
		)
		if err := rows.Scan(&provider, &ciphertext); err != nil {
			return nil, err
		}
		keys[provider] = ciphertext
	}
	return keys, rows.Err()
}

// List returns metadata for a tenant's stored keys, never the ciphertext.
func (s *ProviderKeyStore) List(ctx context.Context, tenantID string) ([]*models.ProviderKeyInfo, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT provider, key_version, created_at, updated_at
		FROM provider_keys
		WHERE tenant_id = $1
		ORDER BY provider`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list provider keys: %w", err)
	}
	defer rows.Close()

	result := []*models.ProviderKeyInfo{}
	for rows.Next() {
		var info models.ProviderKeyInfo
		if err := rows.Scan(&info.Provider, &info.KeyVersion, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan provider key info: %w", err)
		}
		result = append(result, &info)
	}
	return result, rows.Err()
}

// Delete removes a stored key. Returns sql.ErrNoRows when absent.
func (s *ProviderKeyStore) Delete(ctx context.Context, tenantID, provider string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM provider_keys WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider)
	if err != nil {
		return fmt.Errorf("delete provider key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// APIKeyStore persists tenant API credentials (sha256 hashes only).
type APIKeyStore struct {
	q DBTX
}

// Insert records a new API key hash.
func (s *APIKeyStore) Insert(ctx context.Context, key *models.APIKey) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, tenant_id, key_hash, name, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		key.KeyID, key.TenantID, key.KeyHash, key.Name, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetByHash resolves a presented key hash to its tenant. Returns (nil, nil)
// when no key matches.
func (s *APIKeyStore) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	var (
		key        models.APIKey
		lastUsedAt sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT key_id, tenant_id, key_hash, name, created_at, last_used_at
		FROM api_keys WHERE key_hash = $1`,
		keyHash).Scan(&key.KeyID, &key.TenantID, &key.KeyHash, &key.Name, &key.CreatedAt, &lastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	key.LastUsedAt = nullTime(lastUsedAt)
	return &key, nil
}

// TouchLastUsed stamps the key's last successful authentication.
func (s *APIKeyStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE key_id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
