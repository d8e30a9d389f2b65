// Package ssh uploads step artifacts to a remote host over SSH and SFTP.
package ssh

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// Uploader writes files to a remote host. Client implements it.
type Uploader interface {
	// Connect dials the host, or checks that the current connection is alive.
	Connect(ctx context.Context) error

	// Upload writes r to remotePath, creating parent directories. The file appears
	// under its final name only once it is complete.
	Upload(ctx context.Context, remotePath string, r io.Reader, mode os.FileMode) (*UploadResult, error)

	Info() ConnectionInfo

	Close() error
}

// ConnectionInfo describes the remote end of a client.
type ConnectionInfo struct {
	Host        string
	Port        int
	User        string
	ConnectedAt time.Time
}

// UploadResult describes a completed upload.
type UploadResult struct {
	Path     string
	Bytes    int64
	SHA256   string
	Duration time.Duration
}

// Error is a failed transport operation.
type Error struct {
	// Op is the operation that failed: connect, upload or checksum.
	Op  string
	Err error

	// Retryable is false for failures a retry cannot fix, such as rejected
	// credentials or an unknown host key.
	Retryable bool
}

func (e *Error) Error() string {
	return "ssh " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transport error worth retrying. Errors that
// did not come from this package are treated as retryable.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return err != nil
}
