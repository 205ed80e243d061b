package ssh

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPort is used when neither the config nor the location names one.
const DefaultPort = 22

// Config describes how to reach one SFTP host. Authentication is by
// private key only.
type Config struct {
	Host string
	Port int
	User string

	// PrivateKeyPath is an OpenSSH or PEM private key. Passphrase unlocks
	// it when encrypted.
	PrivateKeyPath string
	Passphrase     string

	// KnownHostsPath verifies the server key. Empty accepts any key.
	KnownHostsPath string

	// Timeout bounds the TCP dial and SSH handshake.
	Timeout time.Duration

	// KeepAlive is the interval between keepalive requests. Zero disables
	// them.
	KeepAlive time.Duration
}

// DefaultConfig returns a config for user@host using the first key found
// under ~/.ssh and ~/.ssh/known_hosts when present.
func DefaultConfig(host, user string) *Config {
	cfg := &Config{
		Host:      host,
		Port:      DefaultPort,
		User:      user,
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return cfg
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		if p := filepath.Join(home, ".ssh", name); fileExists(p) {
			cfg.PrivateKeyPath = p
			break
		}
	}
	if p := filepath.Join(home, ".ssh", "known_hosts"); fileExists(p) {
		cfg.KnownHostsPath = p
	}
	return cfg
}

// Validate reports the first missing or malformed field.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.User == "":
		return errors.New("user is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.Timeout <= 0:
		return errors.New("timeout must be positive")
	case c.PrivateKeyPath == "":
		return errors.New("no private key configured")
	case !fileExists(c.PrivateKeyPath):
		return fmt.Errorf("private key not found: %s", c.PrivateKeyPath)
	case c.KnownHostsPath != "" && !fileExists(c.KnownHostsPath):
		return fmt.Errorf("known_hosts not found: %s", c.KnownHostsPath)
	}
	return nil
}

// ClientConfig loads the key and host verifier into an ssh.ClientConfig.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	pemBytes, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if c.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(c.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", c.PrivateKeyPath, err)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		hostKey, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         c.Timeout,
	}, nil
}

// ForLocation derives the config for an sftp:// location from base and
// returns the remote path. User and port in the location win over base.
func ForLocation(location string, base Config) (*Config, string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, "", fmt.Errorf("invalid location %q: %w", location, err)
	}
	if u.Scheme != "sftp" {
		return nil, "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, "", fmt.Errorf("location %q has no host", location)
	}

	cfg := base
	cfg.Host = u.Hostname()
	if p := u.Port(); p != "" {
		cfg.Port, err = strconv.Atoi(p)
		if err != nil {
			return nil, "", fmt.Errorf("invalid port in %q: %w", location, err)
		}
	} else if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if name := u.User.Username(); name != "" {
		cfg.User = name
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	remotePath := u.Path
	if remotePath == "" {
		remotePath = "/"
	}
	return &cfg, remotePath, nil
}

// Key identifies a connection: user@host:port.
func (c *Config) Key() string {
	return c.User + "@" + c.Address()
}

// Address is host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
