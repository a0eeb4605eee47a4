// Package vault encrypts and decrypts portal credentials at rest and drives
// the live connectivity checks used to populate a credential's last-test
// fields.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jclee-lab/blacklist-sub003/internal/cache"
)

const (
	// pbkdf2Iterations is the minimum iteration count for master-key
	// derivation. AES-256 needs a 32-byte key.
	pbkdf2Iterations = 100_000
	pbkdf2KeyLen     = 32

	connectivityCacheTTL = 60 * time.Second
)

// ErrDecryptionFailed is returned when a ciphertext fails to authenticate —
// either it was encrypted under a different key, or it has been tampered with.
var ErrDecryptionFailed = errors.New("vault: decryption failed")

// Vault encrypts/decrypts credential secrets with AES-256-GCM, deriving its
// key once at construction time via PBKDF2-HMAC-SHA256.
type Vault struct {
	key    []byte // 32 bytes, derived once
	cache  *cache.Cache
	logger *slog.Logger
}

// New derives the vault's AES-256 key from masterSecret and salt via
// PBKDF2-HMAC-SHA256 (100,000 iterations) and returns a ready-to-use Vault.
// masterSecret and salt are both deployment-fixed and never persisted.
func New(masterSecret, salt string, c *cache.Cache, logger *slog.Logger) *Vault {
	key := pbkdf2.Key([]byte(masterSecret), []byte(salt), pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	return &Vault{key: key, cache: c, logger: logger}
}

// Encrypt seals plaintext with AES-256-GCM under the vault's key, using a
// fresh random 96-bit nonce per call, and returns the base64-encoded
// nonce||ciphertext||tag (§4.2's IV||ciphertext||tag wire format).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a ciphertext produced by Encrypt. It fails with
// ErrDecryptionFailed if the ciphertext was sealed under a different key or
// has been modified — GCM's auth tag makes the two indistinguishable.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault: decoding ciphertext: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: creating GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrDecryptionFailed
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// ConnectivityChecker performs a live authentication probe against an
// upstream portal for the given service, without persisting any session.
type ConnectivityChecker func(ctx context.Context, service string) error

// TestResult is the outcome of a TestConnectivity call.
type TestResult struct {
	OK        bool
	Message   string
	TestedAt  time.Time
	FromCache bool
}

// TestConnectivity invokes check for service, caching the result for 60s per
// service to prevent repeated probes from thrashing the upstream portal.
func (v *Vault) TestConnectivity(ctx context.Context, service string, check ConnectivityChecker) (TestResult, error) {
	key := "vault:connectivity:" + service

	var cached TestResult
	hit, err := v.cache.Get(ctx, key, &cached)
	if err != nil {
		v.logger.Warn("connectivity cache read failed", "service", service, "error", err)
	}
	if hit {
		cached.FromCache = true
		return cached, nil
	}

	result := TestResult{TestedAt: time.Now().UTC()}
	if err := check(ctx, service); err != nil {
		result.OK = false
		result.Message = err.Error()
	} else {
		result.OK = true
		result.Message = "connectivity check succeeded"
	}

	if err := v.cache.Set(ctx, key, result, connectivityCacheTTL); err != nil {
		v.logger.Warn("connectivity cache write failed", "service", service, "error", err)
	}

	return result, nil
}
