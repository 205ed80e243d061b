package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// writeKey stores a fresh ed25519 key under dir, encrypted when passphrase
// is set, and returns its path and public half.
func writeKey(t *testing.T, dir, name, passphrase string) (string, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, "")
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return path, sshPub
}

func TestDefaultConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := DefaultConfig("example.com", "deploy")
	if cfg.Port != DefaultPort || cfg.Timeout != 30*time.Second || cfg.KeepAlive != 30*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.PrivateKeyPath != "" || cfg.KnownHostsPath != "" {
		t.Errorf("empty home should leave key paths unset, got %+v", cfg)
	}

	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		t.Fatal(err)
	}
	rsa, _ := writeKey(t, sshDir, "id_rsa", "")
	ed, _ := writeKey(t, sshDir, "id_ed25519", "")
	if err := os.WriteFile(filepath.Join(sshDir, "known_hosts"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg = DefaultConfig("example.com", "deploy")
	if cfg.PrivateKeyPath != ed {
		t.Errorf("id_ed25519 should win over %s, got %s", rsa, cfg.PrivateKeyPath)
	}
	if cfg.KnownHostsPath != filepath.Join(sshDir, "known_hosts") {
		t.Errorf("known_hosts not picked up: %q", cfg.KnownHostsPath)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	key, _ := writeKey(t, dir, "key", "")

	valid := func() *Config {
		return &Config{Host: "example.com", Port: 22, User: "deploy", PrivateKeyPath: key, Timeout: time.Second}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no host", func(c *Config) { c.Host = "" }, "host"},
		{"no user", func(c *Config) { c.User = "" }, "user"},
		{"port zero", func(c *Config) { c.Port = 0 }, "port"},
		{"port too high", func(c *Config) { c.Port = 70000 }, "port"},
		{"no timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
		{"no key", func(c *Config) { c.PrivateKeyPath = "" }, "private key"},
		{"missing key", func(c *Config) { c.PrivateKeyPath = filepath.Join(dir, "nope") }, "not found"},
		{"missing known_hosts", func(c *Config) { c.KnownHostsPath = filepath.Join(dir, "known_hosts") }, "known_hosts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestClientConfig(t *testing.T) {
	dir := t.TempDir()
	plain, _ := writeKey(t, dir, "plain", "")
	locked, _ := writeKey(t, dir, "locked", "s3cret")
	garbage := filepath.Join(dir, "garbage")
	if err := os.WriteFile(garbage, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}
	hosts := filepath.Join(dir, "known_hosts")
	if err := os.WriteFile(hosts, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"plain key", Config{User: "deploy", PrivateKeyPath: plain, Timeout: time.Second}, false},
		{"passphrase", Config{User: "deploy", PrivateKeyPath: locked, Passphrase: "s3cret"}, false},
		{"wrong passphrase", Config{User: "deploy", PrivateKeyPath: locked, Passphrase: "nope"}, true},
		{"encrypted without passphrase", Config{User: "deploy", PrivateKeyPath: locked}, true},
		{"garbage key", Config{User: "deploy", PrivateKeyPath: garbage}, true},
		{"known hosts", Config{User: "deploy", PrivateKeyPath: plain, KnownHostsPath: hosts}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc, err := tt.cfg.ClientConfig()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cc.User != "deploy" || len(cc.Auth) != 1 || cc.HostKeyCallback == nil {
				t.Errorf("unexpected client config %+v", cc)
			}
			if cc.Timeout != tt.cfg.Timeout {
				t.Errorf("timeout = %v, want %v", cc.Timeout, tt.cfg.Timeout)
			}
		})
	}
}

func TestForLocation(t *testing.T) {
	base := Config{User: "deploy"}

	tests := []struct {
		name     string
		location string
		wantKey  string
		wantPath string
		wantErr  bool
	}{
		{"defaults", "sftp://mirror.example.com/sites/main", "deploy@mirror.example.com:22", "/sites/main", false},
		{"user and port", "sftp://ops@mirror.example.com:2222/s", "ops@mirror.example.com:2222", "/s", false},
		{"root path", "sftp://mirror.example.com", "deploy@mirror.example.com:22", "/", false},
		{"ipv6", "sftp://[::1]:2022/s", "deploy@[::1]:2022", "/s", false},
		{"wrong scheme", "https://mirror.example.com/s", "", "", true},
		{"no host", "sftp:///s", "", "", true},
		{"bad port", "sftp://mirror.example.com:abc/s", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, path, err := ForLocation(tt.location, base)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s", tt.location)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Key() != tt.wantKey || path != tt.wantPath {
				t.Errorf("got %s %s, want %s %s", cfg.Key(), path, tt.wantKey, tt.wantPath)
			}
			if cfg.Timeout != 30*time.Second {
				t.Errorf("missing default timeout, got %v", cfg.Timeout)
			}
		})
	}

	if base.Host != "" || base.Port != 0 {
		t.Errorf("base config was modified: %+v", base)
	}
}
