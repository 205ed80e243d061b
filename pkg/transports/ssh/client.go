package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is a Transport over one SSH connection and its SFTP session.
type Client struct {
	cfg  Config
	conn *ssh.Client
	sftp *sftp.Client

	alive     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*Client)(nil)

// Dial connects to cfg.Address and opens the SFTP subsystem. Network
// failures are retryable; handshake and authentication failures are not.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "dial", Path: cfg.Address(), Err: err}
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	nc, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, &TransportError{Op: "dial", Path: cfg.Address(), Err: err, Retry: true}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	sc, chans, reqs, err := ssh.NewClientConn(nc, cfg.Address(), clientCfg)
	if err != nil {
		_ = nc.Close()
		return nil, &TransportError{Op: "handshake", Path: cfg.Address(), Err: err}
	}
	_ = nc.SetDeadline(time.Time{})

	conn := ssh.NewClient(sc, chans, reqs)
	session, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "subsystem", Path: cfg.Address(), Err: err, Retry: true}
	}

	c := &Client{cfg: *cfg, conn: conn, sftp: session, done: make(chan struct{})}
	c.alive.Store(true)
	go c.watch()
	if cfg.KeepAlive > 0 {
		go c.keepAlive(cfg.KeepAlive)
	}

	log.Debug().Str("remote", cfg.Key()).Msg("sftp connected")
	return c, nil
}

// watch marks the client dead when the server goes away.
func (c *Client) watch() {
	err := c.conn.Wait()
	if c.alive.Swap(false) {
		log.Warn().Err(err).Str("remote", c.cfg.Key()).Msg("sftp connection lost")
	}
	close(c.done)
}

func (c *Client) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Warn().Err(err).Str("remote", c.cfg.Key()).Msg("keepalive failed, closing")
				_ = c.conn.Close()
				return
			}
		}
	}
}

// IsConnected implements Transport.
func (c *Client) IsConnected() bool {
	return c.alive.Load()
}

// Disconnect closes the session and the connection. Later calls are no-ops.
func (c *Client) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		_ = c.sftp.Close()
		if cerr := c.conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}

// Open implements Transport.
func (c *Client) Open(ctx context.Context, remotePath string, offset int64) (*RemoteFile, error) {
	if err := c.ready(ctx, "open", remotePath); err != nil {
		return nil, err
	}

	f, err := c.sftp.Open(remotePath)
	if err != nil {
		return nil, opError("open", remotePath, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, opError("stat", remotePath, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, &TransportError{Op: "seek", Path: remotePath, Err: err}
		}
	}

	size := info.Size() - offset
	if size < 0 {
		size = 0
	}
	return &RemoteFile{ReadCloser: &contextReader{ctx: ctx, rc: f}, Size: size}, nil
}

// Stat implements Transport.
func (c *Client) Stat(ctx context.Context, remotePath string) (os.FileInfo, error) {
	if err := c.ready(ctx, "stat", remotePath); err != nil {
		return nil, err
	}
	info, err := c.sftp.Stat(remotePath)
	if err != nil {
		return nil, opError("stat", remotePath, err)
	}
	return info, nil
}

// ReadDir implements Transport.
func (c *Client) ReadDir(ctx context.Context, remotePath string) ([]os.FileInfo, error) {
	if err := c.ready(ctx, "readdir", remotePath); err != nil {
		return nil, err
	}
	infos, err := c.sftp.ReadDir(remotePath)
	if err != nil {
		return nil, opError("readdir", remotePath, err)
	}
	return infos, nil
}

func (c *Client) ready(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.alive.Load() {
		return &TransportError{Op: op, Path: path, Err: errNotConnected, Retry: true}
	}
	return nil
}

// contextReader fails reads once its context is done.
type contextReader struct {
	ctx context.Context
	rc  io.ReadCloser
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.rc.Read(p)
}

func (r *contextReader) Close() error {
	return r.rc.Close()
}
