package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr []string
	}{
		{
			name:   "password with insecure host key",
			config: Config{Host: "files.example.com", User: "publish", Password: "secret", InsecureIgnoreHostKey: true},
		},
		{
			name:   "key with known hosts",
			config: Config{Host: "files.example.com", User: "publish", KeyFile: "id_ed25519", KnownHostsFile: "known_hosts"},
		},
		{
			name:    "empty",
			config:  Config{},
			wantErr: []string{"host is required", "user is required", "password or key_file", "known_hosts_file"},
		},
		{
			name:    "bad port",
			config:  Config{Host: "h", User: "u", Password: "p", InsecureIgnoreHostKey: true, Port: 70000},
			wantErr: []string{"port must be between 1 and 65535"},
		},
		{
			name:    "negative keep alive",
			config:  Config{Host: "h", User: "u", Password: "p", InsecureIgnoreHostKey: true, KeepAlive: -1},
			wantErr: []string{"must not be negative"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Errorf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("expected error to contain %q, got %v", want, err)
				}
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	if got := (Config{Host: "files.example.com"}).Address(); got != "files.example.com:22" {
		t.Errorf("expected default port, got %s", got)
	}
	if got := (Config{Host: "::1", Port: 2222}).Address(); got != "[::1]:2222" {
		t.Errorf("expected bracketed IPv6 address, got %s", got)
	}
}

func TestClientConfigAuthMethods(t *testing.T) {
	keyFile := writeTestKey(t)

	cfg := Config{
		Host:                  "h",
		User:                  "publish",
		Password:              "secret",
		KeyFile:               keyFile,
		InsecureIgnoreHostKey: true,
	}
	cc, err := cfg.clientConfig()
	if err != nil {
		t.Fatalf("failed to build client config: %v", err)
	}
	// Public key, password and keyboard-interactive.
	if len(cc.Auth) != 3 {
		t.Errorf("expected 3 auth methods, got %d", len(cc.Auth))
	}
	if cc.User != "publish" {
		t.Errorf("expected user publish, got %s", cc.User)
	}
	if cc.Timeout != DefaultDialTimeout {
		t.Errorf("expected default dial timeout, got %v", cc.Timeout)
	}
}

func TestClientConfigErrors(t *testing.T) {
	dir := t.TempDir()
	badKey := filepath.Join(dir, "bad_key")
	if err := os.WriteFile(badKey, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "missing key file",
			config:  Config{KeyFile: filepath.Join(dir, "missing"), InsecureIgnoreHostKey: true},
			wantErr: "failed to read key file",
		},
		{
			name:    "unparseable key",
			config:  Config{KeyFile: badKey, InsecureIgnoreHostKey: true},
			wantErr: "failed to parse key file",
		},
		{
			name:    "missing known hosts",
			config:  Config{Password: "p", KnownHostsFile: filepath.Join(dir, "known_hosts")},
			wantErr: "failed to load known hosts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.config.clientConfig()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("expected nil error to not be retryable")
	}
	if IsRetryable(&Error{Op: "connect", Err: os.ErrPermission}) {
		t.Error("expected non-retryable transport error")
	}
	if !IsRetryable(&Error{Op: "upload", Err: os.ErrDeadlineExceeded, Retryable: true}) {
		t.Error("expected retryable transport error")
	}
	if !IsRetryable(os.ErrClosed) {
		t.Error("expected foreign errors to be retryable")
	}
}

// writeTestKey writes an unencrypted ed25519 private key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}
