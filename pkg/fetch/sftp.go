package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/openfroyo/siteconf/pkg/transports/ssh"
)

// Dialer opens a connected transport for a host config.
type Dialer func(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error)

// DialSSH opens an ssh.Client.
func DialSSH(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error) {
	client, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// SFTPFetcher reads sftp:// locations, keeping one connection per
// user@host:port.
type SFTPFetcher struct {
	base    ssh.Config
	dial    Dialer
	mu      sync.Mutex
	clients map[string]ssh.Transport
}

// NewSFTPFetcher creates a fetcher using base for credentials. A nil dial
// uses DialSSH.
func NewSFTPFetcher(base ssh.Config, dial Dialer) *SFTPFetcher {
	if dial == nil {
		dial = DialSSH
	}
	return &SFTPFetcher{base: base, dial: dial, clients: make(map[string]ssh.Transport)}
}

// Fetch implements Fetcher.
func (f *SFTPFetcher) Fetch(ctx context.Context, location string, offset int64) (*Artifact, error) {
	cfg, remotePath, err := ssh.ForLocation(location, f.base)
	if err != nil {
		return nil, err
	}

	client, err := f.client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rf, err := client.Open(ctx, remotePath, offset)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		var terr *ssh.TransportError
		if errors.As(err, &terr) && terr.Temporary() {
			f.drop(cfg.Key())
			return nil, fmt.Errorf("%w: %v", ErrUpstreamDown, err)
		}
		return nil, err
	}
	return &Artifact{Body: rf, Size: rf.Size, Offset: offset}, nil
}

func (f *SFTPFetcher) client(ctx context.Context, cfg *ssh.Config) (ssh.Transport, error) {
	key := cfg.Key()

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok && c.IsConnected() {
		return c, nil
	}
	c, err := f.dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", key, err)
	}
	f.clients[key] = c
	return c, nil
}

func (f *SFTPFetcher) drop(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		_ = c.Disconnect()
		delete(f.clients, key)
	}
}

// Close disconnects every cached connection.
func (f *SFTPFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result *multierror.Error
	for key, c := range f.clients {
		if err := c.Disconnect(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
		}
		delete(f.clients, key)
	}
	return result.ErrorOrNil()
}
