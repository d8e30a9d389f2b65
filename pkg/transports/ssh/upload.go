package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog/log"
)

// partialSuffix marks an upload in progress.
const partialSuffix = ".part"

// Upload implements Uploader. The data is written to remotePath+".part" and renamed
// into place, so readers never see a truncated file.
func (c *Client) Upload(ctx context.Context, remotePath string, r io.Reader, mode os.FileMode) (*UploadResult, error) {
	start := time.Now()

	files, err := c.session("upload")
	if err != nil {
		return nil, err
	}

	if err := files.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &Error{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", path.Dir(remotePath), err)}
	}

	partPath := remotePath + partialSuffix
	f, err := files.Create(partPath)
	if err != nil {
		return nil, &Error{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", partPath, err), Retryable: true}
	}

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hash), contextReader{ctx: ctx, r: r})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && mode != 0 {
		err = files.Chmod(partPath, mode)
	}
	if err == nil {
		err = files.PosixRename(partPath, remotePath)
	}
	if err != nil {
		_ = files.Remove(partPath)
		return nil, &Error{Op: "upload", Err: fmt.Errorf("failed to write %s: %w", remotePath, err), Retryable: ctx.Err() == nil}
	}

	result := &UploadResult{
		Path:     remotePath,
		Bytes:    n,
		SHA256:   hex.EncodeToString(hash.Sum(nil)),
		Duration: time.Since(start),
	}
	log.Debug().
		Str("path", remotePath).
		Int64("bytes", n).
		Dur("duration", result.Duration).
		Msg("File uploaded")

	return result, nil
}

// Checksum returns the hex SHA-256 of a remote file.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	files, err := c.session("checksum")
	if err != nil {
		return "", err
	}

	f, err := files.Open(remotePath)
	if err != nil {
		return "", &Error{Op: "checksum", Err: err}
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, contextReader{ctx: ctx, r: f}); err != nil {
		return "", &Error{Op: "checksum", Err: err, Retryable: ctx.Err() == nil}
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
