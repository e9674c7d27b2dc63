package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	return key
}

func writePEM(t *testing.T, block *pem.Block) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestCredentials_Headers(t *testing.T) {
	key := testKey(t)
	creds := &Credentials{
		KeyID:      "feed-key",
		PrivateKey: key,
		now:        func() time.Time { return time.UnixMilli(1700000000123) },
	}

	h, err := creds.Headers(http.MethodGet, "/feed/ws")
	if err != nil {
		t.Fatalf("Headers failed: %v", err)
	}

	if h.Get(HeaderKey) != "feed-key" {
		t.Errorf("%s = %q, want %q", HeaderKey, h.Get(HeaderKey), "feed-key")
	}
	if h.Get(HeaderTimestamp) != "1700000000123" {
		t.Errorf("%s = %q, want %q", HeaderTimestamp, h.Get(HeaderTimestamp), "1700000000123")
	}
	if err := Verify(&key.PublicKey, http.MethodGet, "/feed/ws", h); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
	if err := Verify(&key.PublicKey, http.MethodGet, "/other", h); err == nil {
		t.Error("Verify should fail for a different path")
	}
}

func TestCredentials_Sign(t *testing.T) {
	key := testKey(t)
	creds := &Credentials{KeyID: "k", PrivateKey: key}

	req, _ := http.NewRequest(http.MethodGet, "http://refdata.local/instruments/lookup?scheme=RIC", nil)
	if err := creds.Sign(req); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := Verify(&key.PublicKey, http.MethodGet, "/instruments/lookup", req.Header); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestLoadPrivateKey(t *testing.T) {
	key := testKey(t)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal PKCS#8: %v", err)
	}

	tests := []struct {
		name  string
		block *pem.Block
	}{
		{"pkcs8", &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}},
		{"pkcs1", &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loaded, err := LoadPrivateKey(writePEM(t, tt.block))
			if err != nil {
				t.Fatalf("LoadPrivateKey failed: %v", err)
			}
			if loaded.N.Cmp(key.N) != 0 {
				t.Error("loaded key does not match original")
			}
		})
	}
}

func TestLoadPrivateKey_Errors(t *testing.T) {
	if _, err := LoadPrivateKey("/nonexistent/path/to/key.pem"); err == nil {
		t.Error("expected error for nonexistent file")
	}

	path := filepath.Join(t.TempDir(), "invalid.pem")
	if err := os.WriteFile(path, []byte("not a pem file"), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if _, err := LoadPrivateKey(path); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestLoadCredentials(t *testing.T) {
	key := testKey(t)
	pkcs8, _ := x509.MarshalPKCS8PrivateKey(key)
	path := writePEM(t, &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	creds, err := LoadCredentials("my-key-id", path)
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.KeyID != "my-key-id" || creds.PrivateKey == nil {
		t.Errorf("creds = %+v", creds)
	}

	if _, err := LoadCredentials("", path); !errors.Is(err, ErrMissingKeyID) {
		t.Errorf("error = %v, want ErrMissingKeyID", err)
	}
	if _, err := LoadCredentials("key-id", ""); !errors.Is(err, ErrMissingKeyPath) {
		t.Errorf("error = %v, want ErrMissingKeyPath", err)
	}
}
