package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
)

// LocalCipher provides AES-256-GCM encrypt/decrypt for the local-dev path,
// used only when the remote decrypt RPC is unreachable and a
// MIGRATEKIT_CRED_ENCRYPTION_KEY fallback key is configured.
type LocalCipher struct {
	gcm cipher.AEAD
}

// NewLocalCipher builds a LocalCipher from a base64-encoded 32-byte key.
func NewLocalCipher(keyBase64 string) (*LocalCipher, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM mode: %w", err)
	}

	return &LocalCipher{gcm: gcm}, nil
}

// Encrypt encrypts a password, base64-encoding the nonce-prefixed ciphertext
// for storage.
func (c *LocalCipher) Encrypt(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := c.gcm.Seal(nonce, nonce, []byte(password), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. A "TEMP_PLAINTEXT_" prefix is honored as a
// migration-era plaintext escape hatch, matching the teacher's transitional
// password format.
func (c *LocalCipher) Decrypt(encryptedPassword string) (string, error) {
	if encryptedPassword == "" {
		return "", fmt.Errorf("encrypted password cannot be empty")
	}

	if strings.HasPrefix(encryptedPassword, "TEMP_PLAINTEXT_") {
		return strings.TrimPrefix(encryptedPassword, "TEMP_PLAINTEXT_"), nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedPassword)
	if err != nil {
		return "", fmt.Errorf("invalid base64 encrypted password: %w", err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt password: %w", err)
	}

	return string(plaintext), nil
}

// KeyFetcher loads the shared encryption key the remote RPC needs, typically
// backed by the Persistence Gateway's activity_settings table.
type KeyFetcher interface {
	EncryptionKey(ctx context.Context) (string, error)
}

// RPCDecrypter calls the Persistence Gateway's decrypt_password RPC,
// caching the encryption key after its first successful fetch, falling back
// to a LocalCipher when one is configured and the RPC is unreachable.
type RPCDecrypter struct {
	keys   KeyFetcher
	decrypt func(ctx context.Context, encrypted, key string) (string, error)
	local  *LocalCipher

	mu        sync.Mutex
	cachedKey string
}

// NewRPCDecrypter builds an RPCDecrypter. decryptFn performs the actual
// network call (POST /rest/v1/rpc/decrypt_password); local is optional and
// may be nil.
func NewRPCDecrypter(keys KeyFetcher, decryptFn func(ctx context.Context, encrypted, key string) (string, error), local *LocalCipher) *RPCDecrypter {
	return &RPCDecrypter{keys: keys, decrypt: decryptFn, local: local}
}

// Decrypt implements Decrypter.
func (r *RPCDecrypter) Decrypt(ctx context.Context, encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}

	key, err := r.encryptionKey(ctx)
	if err != nil || key == "" {
		if r.local != nil {
			return r.local.Decrypt(encrypted)
		}
		return "", fmt.Errorf("cannot decrypt: encryption key not available: %w", err)
	}

	decrypted, err := r.decrypt(ctx, encrypted, key)
	if err != nil {
		if r.local != nil {
			if plain, lerr := r.local.Decrypt(encrypted); lerr == nil {
				return plain, nil
			}
		}
		return "", err
	}
	return decrypted, nil
}

func (r *RPCDecrypter) encryptionKey(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.cachedKey != "" {
		defer r.mu.Unlock()
		return r.cachedKey, nil
	}
	r.mu.Unlock()

	key, err := r.keys.EncryptionKey(ctx)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cachedKey = key
	r.mu.Unlock()
	return key, nil
}
