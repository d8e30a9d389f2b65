package publish

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"

	"github.com/castwork/castwork/pkg/engine"
	"github.com/castwork/castwork/pkg/transports/ssh"
)

// SFTPConfig configures an SFTP sink.
type SFTPConfig struct {
	SSH ssh.Config `yaml:"ssh"`

	// Root is the remote directory objects are written under.
	Root string `yaml:"root"`

	// PublicBaseURL is prefixed to object keys in returned URLs when set, for hosts
	// that serve Root over HTTP.
	PublicBaseURL string `yaml:"public_base_url"`
}

// SFTPSink stores artifacts on a remote host over SFTP.
type SFTPSink struct {
	uploader ssh.Uploader
	cfg      SFTPConfig
}

// NewSFTPSink validates the SSH configuration. The connection is opened lazily.
func NewSFTPSink(cfg SFTPConfig) (*SFTPSink, error) {
	client, err := ssh.NewClient(cfg.SSH)
	if err != nil {
		return nil, err
	}
	return NewSFTPSinkWithUploader(client, cfg), nil
}

// NewSFTPSinkWithUploader uses an existing uploader.
func NewSFTPSinkWithUploader(uploader ssh.Uploader, cfg SFTPConfig) *SFTPSink {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	return &SFTPSink{uploader: uploader, cfg: cfg}
}

// Name implements Sink.
func (s *SFTPSink) Name() string { return "sftp" }

// Put uploads the object below Root. Rejected credentials and unknown host keys
// fail the step permanently.
func (s *SFTPSink) Put(ctx context.Context, obj Object) (string, error) {
	remotePath := path.Join(s.cfg.Root, obj.Key)

	err := s.uploader.Connect(ctx)
	if err == nil {
		_, err = s.uploader.Upload(ctx, remotePath, bytes.NewReader(obj.Body), 0o644)
	}
	if err != nil {
		if !ssh.IsRetryable(err) {
			return "", engine.NewPermanentError(fmt.Sprintf("sftp publish failed: %v", err), err).
				WithCode(engine.ErrCodeProviderFailed)
		}
		return "", err
	}

	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + obj.Key, nil
	}
	info := s.uploader.Info()
	return fmt.Sprintf("sftp://%s@%s/%s", info.User, net.JoinHostPort(info.Host, strconv.Itoa(info.Port)), strings.TrimLeft(remotePath, "/")), nil
}

// Close disconnects from the host.
func (s *SFTPSink) Close() error {
	return s.uploader.Close()
}
