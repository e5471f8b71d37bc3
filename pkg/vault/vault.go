// Package vault encrypts tenant provider credentials at rest with
// AES-256-GCM. Plaintext keys exist only in the return value of Materialize,
// scoped to one outbound call batch; they are never cached, never placed in
// shared state, and never logged.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/promptarena/arena/pkg/models"
	"github.com/promptarena/arena/pkg/store"
)

// keySize is the AES-256 key length in bytes.
const keySize = 32

// Vault encrypts and decrypts provider keys around the ciphertext store.
type Vault struct {
	aead cipher.AEAD
	keys *store.ProviderKeyStore
}

// New builds a Vault from a raw 32-byte master key.
func New(masterKey []byte, keys *store.ProviderKeyStore) (*Vault, error) {
	if len(masterKey) != keySize {
		return nil, fmt.Errorf("vault master key must be %d bytes, got %d", keySize, len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Vault{aead: aead, keys: keys}, nil
}

// NewFromKeyFile loads the hex-encoded master key from the file named by
// VAULT_KEY_PATH (64 hex characters, surrounding whitespace ignored).
func NewFromKeyFile(path string, keys *store.ProviderKeyStore) (*Vault, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault key file: %w", err)
	}
	masterKey, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("vault key file is not valid hex: %w", err)
	}
	return New(masterKey, keys)
}

// Put encrypts a plaintext provider key and upserts it for the tenant.
// Storing a key for a provider that already has one overwrites it and bumps
// the key version.
func (v *Vault) Put(ctx context.Context, tenantID, provider, plaintext string) error {
	if plaintext == "" {
		return fmt.Errorf("provider key must not be empty")
	}
	ciphertext, err := v.seal(plaintext)
	if err != nil {
		return err
	}
	return v.keys.Upsert(ctx, tenantID, provider, ciphertext)
}

// Materialize decrypts every key the tenant has stored into a freshly
// allocated map. Each call returns a new map: callers hold it for the
// duration of one outbound call batch and let it go out of scope.
func (v *Vault) Materialize(ctx context.Context, tenantID string) (map[string]string, error) {
	rows, err := v.keys.GetAll(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for provider, ciphertext := range rows {
		plaintext, err := v.open(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt key for provider %s: %w", provider, err)
		}
		out[provider] = plaintext
	}
	return out, nil
}

// ListProviders returns metadata for the tenant's stored keys. Ciphertext and
// plaintext never appear here.
func (v *Vault) ListProviders(ctx context.Context, tenantID string) ([]*models.ProviderKeyInfo, error) {
	return v.keys.List(ctx, tenantID)
}

// Delete removes the tenant's key for a provider. Returns sql.ErrNoRows when
// no key was stored.
func (v *Vault) Delete(ctx context.Context, tenantID, provider string) error {
	return v.keys.Delete(ctx, tenantID, provider)
}

// seal encrypts plaintext with a random nonce. The nonce is prepended to the
// ciphertext so decryption needs no side channel.
func (v *Vault) seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// open decrypts a nonce-prefixed ciphertext.
func (v *Vault) open(ciphertext []byte) (string, error) {
	if len(ciphertext) < v.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:v.aead.NonceSize()], ciphertext[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}
