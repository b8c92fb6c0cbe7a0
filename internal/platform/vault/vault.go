// Package vault encrypts provider secrets at rest. Each tenant gets its own
// AES-256-GCM key derived from the process master key with HKDF-SHA256, and the
// tenant id is bound to every ciphertext as additional data.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/claimsgate/claimsgate/internal/platform/claimerr"
)

// Masked replaces every stored secret in API responses.
const Masked = "***MASKED***"

const (
	version    = "v1:"
	infoPrefix = "claims-credential/"
)

// Vault is safe for concurrent use.
type Vault struct {
	master []byte

	mu    sync.RWMutex
	aeads map[string]cipher.AEAD
}

// New creates a Vault from a 32-byte master key.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("vault: master key must be 32 bytes, got %d", len(masterKey))
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Vault{master: key, aeads: make(map[string]cipher.AEAD)}, nil
}

func (v *Vault) aeadFor(tenantID string) (cipher.AEAD, error) {
	v.mu.RLock()
	aead, ok := v.aeads[tenantID]
	v.mu.RUnlock()
	if ok {
		return aead, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, v.master, nil, []byte(infoPrefix+tenantID)), key); err != nil {
		return nil, fmt.Errorf("vault: derive tenant key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	aead, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create GCM: %w", err)
	}

	v.mu.Lock()
	v.aeads[tenantID] = aead
	v.mu.Unlock()
	return aead, nil
}

// Encrypt seals secret for tenantID and returns "v1:" followed by the base64
// of nonce+ciphertext.
func (v *Vault) Encrypt(tenantID, secret string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("vault: tenant is required")
	}
	aead, err := v.aeadFor(tenantID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(secret), []byte(tenantID))
	return version + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt for the same tenant. Every failure
// is returned as a credential error so callers can fail the job terminally.
func (v *Vault) Decrypt(tenantID, ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, version) {
		return "", claimerr.Credential("credential unavailable", fmt.Errorf("unknown ciphertext format"))
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, version))
	if err != nil {
		return "", claimerr.Credential("credential unavailable", err)
	}

	aead, err := v.aeadFor(tenantID)
	if err != nil {
		return "", claimerr.Credential("credential unavailable", err)
	}
	if len(data) < aead.NonceSize() {
		return "", claimerr.Credential("credential unavailable", fmt.Errorf("ciphertext too short"))
	}

	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(tenantID))
	if err != nil {
		return "", claimerr.Credential("credential unavailable", err)
	}
	return string(plain), nil
}

// Mask returns the placeholder for a stored secret, or "" when none is stored.
func Mask(stored string) string {
	if stored == "" {
		return ""
	}
	return Masked
}
