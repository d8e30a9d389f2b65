package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const keepAliveRequest = "keepalive@openssh.com"

// Client holds one SSH connection and one SFTP session on it. Connect redials
// when the connection has died; the SFTP session is safe for concurrent use.
type Client struct {
	cfg Config

	mu          sync.Mutex
	conn        *ssh.Client
	files       *sftp.Client
	connectedAt time.Time
	stop        chan struct{}
}

var _ Uploader = (*Client)(nil)

// NewClient validates cfg. No connection is made until Connect.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Client{cfg: cfg.withDefaults()}, nil
}

// Connect implements Uploader.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if _, _, err := c.conn.SendRequest(keepAliveRequest, true, nil); err == nil {
			return nil
		}
		log.Warn().Str("host", c.cfg.Host).Msg("SSH connection lost, reconnecting")
		c.closeLocked()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	files, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return &Error{Op: "connect", Err: fmt.Errorf("failed to start sftp: %w", err), Retryable: true}
	}

	c.conn = conn
	c.files = files
	c.connectedAt = time.Now()
	if c.cfg.KeepAlive > 0 {
		c.stop = make(chan struct{})
		go c.keepAlive(conn, c.stop)
	}

	log.Info().Str("address", c.cfg.Address()).Str("user", c.cfg.User).Msg("SSH connection established")
	return nil
}

// dial opens the TCP connection with ctx and runs the SSH handshake under the
// earlier of ctx's deadline and the dial timeout.
func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	clientConfig, err := c.cfg.clientConfig()
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	address := c.cfg.Address()
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &Error{Op: "connect", Err: err, Retryable: true}
	}

	deadline, _ := ctx.Deadline()
	_ = netConn.SetDeadline(deadline)
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if err != nil {
		_ = netConn.Close()
		return nil, &Error{Op: "connect", Err: err, Retryable: !isPermanentHandshakeError(err)}
	}
	_ = netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// isPermanentHandshakeError reports rejected credentials and host key mismatches.
func isPermanentHandshakeError(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:")
}

// keepAlive pings the server until stop is closed. A failed ping closes the
// connection so that the next Connect redials.
func (c *Client) keepAlive(conn *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if _, _, err := conn.SendRequest(keepAliveRequest, true, nil); err != nil {
			log.Warn().Err(err).Str("host", c.cfg.Host).Msg("SSH keep-alive failed, dropping connection")
			c.mu.Lock()
			if c.conn == conn {
				c.closeLocked()
			}
			c.mu.Unlock()
			return
		}
	}
}

// Close implements Uploader.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	_ = c.files.Close()
	err := c.conn.Close()
	c.conn, c.files = nil, nil
	return err
}

// Info implements Uploader.
func (c *Client) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		Host:        c.cfg.Host,
		Port:        c.cfg.Port,
		User:        c.cfg.User,
		ConnectedAt: c.connectedAt,
	}
}

func (c *Client) session(op string) (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.files == nil {
		return nil, &Error{Op: op, Err: errors.New("not connected"), Retryable: true}
	}
	return c.files, nil
}
