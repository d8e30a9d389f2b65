package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultPort        = 22
	DefaultDialTimeout = 15 * time.Second
)

// Config describes how to reach and authenticate to the remote host. Password and
// key authentication may both be configured; the key is offered first.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`

	Password string `yaml:"password"`

	// KeyFile is a PEM private key. KeyPassphrase decrypts it when set.
	KeyFile       string `yaml:"key_file"`
	KeyPassphrase string `yaml:"key_passphrase"`

	// KnownHostsFile verifies the host key. It is required unless
	// InsecureIgnoreHostKey is set.
	KnownHostsFile        string `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`

	DialTimeout time.Duration `yaml:"dial_timeout"`

	// KeepAlive is the interval between keep-alive requests. Zero disables them.
	KeepAlive time.Duration `yaml:"keep_alive"`
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	c = c.withDefaults()

	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}
	if c.Password == "" && c.KeyFile == "" {
		errs = append(errs, errors.New("password or key_file is required"))
	}
	if c.KnownHostsFile == "" && !c.InsecureIgnoreHostKey {
		errs = append(errs, errors.New("known_hosts_file is required unless insecure_ignore_host_key is set"))
	}
	if c.DialTimeout < 0 || c.KeepAlive < 0 {
		errs = append(errs, errors.New("dial_timeout and keep_alive must not be negative"))
	}
	return errors.Join(errs...)
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.withDefaults().Port))
}

func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if c.KeyFile != "" {
		pem, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		var signer ssh.Signer
		if c.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file %s: %w", c.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		password := c.Password
		auth = append(auth,
			ssh.Password(password),
			// Some servers only accept passwords through keyboard-interactive.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if !c.InsecureIgnoreHostKey {
		var err error
		hostKeys, err = knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.withDefaults().DialTimeout,
	}, nil
}
