// Package ssh reads remote site content over SFTP for sftp:// locations.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Transport is a read-only SFTP view of one remote host.
type Transport interface {
	// Open returns the file positioned at offset.
	Open(ctx context.Context, remotePath string, offset int64) (*RemoteFile, error)
	Stat(ctx context.Context, remotePath string) (os.FileInfo, error)
	ReadDir(ctx context.Context, remotePath string) ([]os.FileInfo, error)

	// IsConnected is false once the connection dropped or was closed.
	IsConnected() bool
	Disconnect() error
}

// RemoteFile is an open remote file. Size counts the bytes left after the
// opened offset.
type RemoteFile struct {
	io.ReadCloser
	Size int64
}

// TransportError wraps a failed remote operation. Retry is set when a
// fresh connection may succeed.
type TransportError struct {
	Op    string
	Path  string
	Err   error
	Retry bool
}

func (e *TransportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("sftp %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sftp %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the operation is worth retrying.
func (e *TransportError) Temporary() bool { return e.Retry }

// errNotConnected is returned by operations on a closed client.
var errNotConnected = errors.New("not connected")

// opError classifies err. Missing files and denied access are permanent.
func opError(op, path string, err error) error {
	permanent := errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission)
	return &TransportError{Op: op, Path: path, Err: err, Retry: !permanent}
}
