package vault

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/errs"
	"github.com/taskmesh/taskmesh/internal/store"
)

func newTestVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	db, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "vault.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(passphrase, db)
}

func TestCipherRoundTrip(t *testing.T) {
	box := newCipherBox("test-passphrase")
	plaintext := []byte("hello, vault!")

	ciphertext, nonce, err := box.encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	decrypted, err := box.decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("got %q, want %q", decrypted, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	b1 := newCipherBox("correct-passphrase")
	b2 := newCipherBox("wrong-passphrase")

	ciphertext, nonce, err := b1.encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := b2.decrypt(ciphertext, nonce); err == nil {
		t.Fatal("expected error decrypting with wrong passphrase")
	}
}

func TestKeyDerivationIsDeterministic(t *testing.T) {
	if newCipherBox("same").key != newCipherBox("same").key {
		t.Fatal("same passphrase produced different keys")
	}
	if newCipherBox("one").key == newCipherBox("two").key {
		t.Fatal("different passphrases produced the same key")
	}
}

func TestSecretLifecycle(t *testing.T) {
	v := newTestVault(t, "pass")

	if err := v.Set("github-token", "ghp_abc123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := v.Get("github-token")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "ghp_abc123" {
		t.Errorf("got %q", got)
	}

	if err := v.Set("github-token", "ghp_rotated"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := v.Get("github-token"); got != "ghp_rotated" {
		t.Errorf("after overwrite got %q", got)
	}

	names, err := v.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "github-token" {
		t.Errorf("names = %v", names)
	}

	if err := v.Delete("github-token"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := v.Get("github-token"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("get after delete: err = %v, want not found", err)
	}
}

func TestSetRejectsEmptyName(t *testing.T) {
	v := newTestVault(t, "pass")
	if err := v.Set("", "value"); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestResolveReferences(t *testing.T) {
	v := newTestVault(t, "pass")
	if err := v.Set("api-key", "k-123"); err != nil {
		t.Fatalf("set: %v", err)
	}

	resolved, err := v.Resolve(map[string]string{
		"token": "secret:api-key",
		"host":  "example.com",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved["token"] != "k-123" {
		t.Errorf("token = %q, want plaintext", resolved["token"])
	}
	if resolved["host"] != "example.com" {
		t.Errorf("plain value should pass through, got %q", resolved["host"])
	}

	if _, err := v.Resolve(map[string]string{"x": "secret:missing"}); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("dangling reference: err = %v, want not found", err)
	}
}

func TestEnvRendersSecrets(t *testing.T) {
	v := newTestVault(t, "pass")
	if err := v.Set("api-key", "k-123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	env, err := v.Env()
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if len(env) != 1 || env[0] != "TASKMESH_SECRET_API_KEY=k-123" {
		t.Errorf("env = %v", env)
	}
}
