// Package ssh runs taskcore commands on remote hosts and copies files to
// them over SFTP.
package ssh

import (
	"context"
	"time"

	"github.com/openfroyo/taskcore/pkg/execution"
)

// Transport is a connected remote host.
type Transport interface {
	// Connect establishes the SSH connection. Calling it on a live
	// connection is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Calling it twice is a no-op.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// Executor returns an execution.Executor that runs commands remotely.
	Executor(opts ...RemoteOption) execution.Executor

	// Upload copies a local file or directory tree to remotePath.
	Upload(ctx context.Context, localPath, remotePath string) (*FileTransferResult, error)

	// Download copies a remote file to localPath.
	Download(ctx context.Context, remotePath, localPath string) (*FileTransferResult, error)
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	// Files is the number of regular files copied
	Files int

	// BytesTransferred is the number of bytes transferred
	BytesTransferred int64

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
