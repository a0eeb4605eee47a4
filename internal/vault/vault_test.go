package vault

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jclee-lab/blacklist-sub003/internal/cache"
)

func newTestVault(t *testing.T, masterSecret, salt string) *Vault {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := cache.New(rdb, slog.Default())
	return New(masterSecret, salt, c, slog.Default())
}

func TestVault_EncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t, "super-secret-master-key", "deployment-salt")

	ciphertext, err := v.Encrypt("correct horse battery staple")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	plaintext, err := v.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plaintext != "correct horse battery staple" {
		t.Errorf("Decrypt() = %q, want %q", plaintext, "correct horse battery staple")
	}
}

func TestVault_DecryptWithWrongKeyFails(t *testing.T) {
	v1 := newTestVault(t, "key-one", "deployment-salt")
	v2 := newTestVault(t, "key-two", "deployment-salt")

	ciphertext, err := v1.Encrypt("top secret password")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	_, err = v2.Decrypt(ciphertext)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Decrypt() error = %v, want ErrDecryptionFailed", err)
	}
}

func TestVault_DecryptTamperedCiphertextFails(t *testing.T) {
	v := newTestVault(t, "super-secret-master-key", "deployment-salt")

	ciphertext, err := v.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	tampered := ciphertext[:len(ciphertext)-2] + "00"
	if _, err := v.Decrypt(tampered); err == nil {
		t.Error("Decrypt() of tampered ciphertext should fail")
	}
}

func TestVault_EncryptProducesDistinctCiphertexts(t *testing.T) {
	v := newTestVault(t, "super-secret-master-key", "deployment-salt")

	c1, err := v.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	c2, err := v.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if c1 == c2 {
		t.Error("two encryptions of the same plaintext should differ (random nonce)")
	}
}

func TestVault_TestConnectivity_CachesResult(t *testing.T) {
	v := newTestVault(t, "super-secret-master-key", "deployment-salt")
	ctx := context.Background()

	var calls int
	check := func(context.Context, string) error {
		calls++
		return nil
	}

	r1, err := v.TestConnectivity(ctx, "regtech", check)
	if err != nil {
		t.Fatalf("TestConnectivity() error = %v", err)
	}
	if !r1.OK || r1.FromCache {
		t.Errorf("first call should succeed and not be cached, got %+v", r1)
	}

	r2, err := v.TestConnectivity(ctx, "regtech", check)
	if err != nil {
		t.Fatalf("TestConnectivity() error = %v", err)
	}
	if !r2.FromCache {
		t.Error("second call within 60s should be served from cache")
	}

	if calls != 1 {
		t.Errorf("connectivity check invoked %d times, want 1", calls)
	}
}

func TestVault_TestConnectivity_ReportsFailure(t *testing.T) {
	v := newTestVault(t, "super-secret-master-key", "deployment-salt")
	ctx := context.Background()

	check := func(context.Context, string) error {
		return errors.New("login failed: invalid credentials")
	}

	result, err := v.TestConnectivity(ctx, "regtech-secondary", check)
	if err != nil {
		t.Fatalf("TestConnectivity() error = %v", err)
	}
	if result.OK {
		t.Error("result.OK should be false on a failed probe")
	}
	if result.Message == "" {
		t.Error("result.Message should describe the failure")
	}
}
