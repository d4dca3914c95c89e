package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPClient streams files over SFTP.
type SFTPClient struct {
	timeout     time.Duration
	username    string
	password    string
	privateKey  string
	knownHosts  string
	insecure    bool
	credentials Credentials
}

// SFTPClientOption configures SFTPClient.
type SFTPClientOption func(*SFTPClient)

// WithSFTPTimeout bounds the TCP dial and SSH handshake.
func WithSFTPTimeout(timeout time.Duration) SFTPClientOption {
	return func(c *SFTPClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithSFTPAuth sets password authentication.
func WithSFTPAuth(username, password string) SFTPClientOption {
	return func(c *SFTPClient) {
		c.username = username
		c.password = password
	}
}

// WithSFTPPrivateKey sets the private key file used for authentication.
func WithSFTPPrivateKey(keyPath string) SFTPClientOption {
	return func(c *SFTPClient) {
		c.privateKey = keyPath
	}
}

// WithSFTPKnownHosts sets the known_hosts file used to verify servers.
func WithSFTPKnownHosts(path string) SFTPClientOption {
	return func(c *SFTPClient) {
		c.knownHosts = path
	}
}

// WithSFTPInsecure skips host key verification.
func WithSFTPInsecure(insecure bool) SFTPClientOption {
	return func(c *SFTPClient) {
		c.insecure = insecure
	}
}

// WithSFTPCredentials supplies per-host logins.
func WithSFTPCredentials(creds Credentials) SFTPClientOption {
	return func(c *SFTPClient) {
		c.credentials = creds
	}
}

// NewSFTPClient creates an SFTP client. Host keys are checked against
// ~/.ssh/known_hosts unless configured otherwise.
func NewSFTPClient(opts ...SFTPClientOption) *SFTPClient {
	c := &SFTPClient{timeout: 30 * time.Second}
	if home, err := os.UserHomeDir(); err == nil {
		c.knownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Supports reports whether the URL uses sftp.
func (c *SFTPClient) Supports(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, "sftp")
}

// Open connects, authenticates and opens the remote file for reading.
func (c *SFTPClient) Open(ctx context.Context, rawURL string) (io.ReadCloser, *Metadata, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing URL: %w", err)
	}

	host := parsed.Host
	if parsed.Port() == "" {
		host = net.JoinHostPort(parsed.Hostname(), "22")
	}

	config, err := c.clientConfig(rawURL, parsed)
	if err != nil {
		return nil, nil, err
	}

	dialer := &net.Dialer{Timeout: c.timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, nil, fmt.Errorf("SSH connection failed: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, host, config)
	if err != nil {
		netConn.Close()
		return nil, nil, fmt.Errorf("SSH handshake failed: %w", err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, fmt.Errorf("SFTP session failed: %w", err)
	}

	remote := parsed.Path
	closeAll := func() error {
		client.Close()
		return sshClient.Close()
	}

	info, err := client.Stat(remote)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("getting file info: %w", err)
	}
	if info.IsDir() {
		closeAll()
		return nil, nil, fmt.Errorf("%s is a directory", remote)
	}

	file, err := client.Open(remote)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}

	meta := &Metadata{
		URL:           rawURL,
		Filename:      baseName(remote),
		ContentLength: info.Size(),
		ContentType:   "application/octet-stream",
		LastModified:  info.ModTime(),
		Protocol:      "SFTP",
	}

	body := newCloseOnCancel(ctx, file, func() error {
		file.Close()
		return closeAll()
	})
	return body, meta, nil
}

func (c *SFTPClient) clientConfig(rawURL string, parsed *url.URL) (*ssh.ClientConfig, error) {
	username, password := c.username, c.password
	if parsed.User != nil {
		username = parsed.User.Username()
		if p, ok := parsed.User.Password(); ok {
			password = p
		}
	} else if c.credentials != nil {
		if user, pass, ok := c.credentials.Credentials(rawURL); ok {
			username, password = user, pass
		}
	}
	if username == "" {
		username = os.Getenv("USER")
	}

	var auth []ssh.AuthMethod
	if signer, err := c.signer(); err == nil {
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if password != "" {
		auth = append(auth, ssh.Password(password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no SSH authentication method available")
	}

	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.timeout,
	}, nil
}

func (c *SFTPClient) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if c.knownHosts == "" {
		return nil, errors.New("no known_hosts file configured")
	}
	callback, err := knownhosts.New(c.knownHosts)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	return callback, nil
}

func (c *SFTPClient) signer() (ssh.Signer, error) {
	paths := []string{c.privateKey}
	if c.privateKey == "" {
		home, _ := os.UserHomeDir()
		paths = []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_ecdsa"),
			filepath.Join(home, ".ssh", "id_rsa"),
		}
	}

	for _, p := range paths {
		key, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(key); err == nil {
			return signer, nil
		}
	}
	return nil, errors.New("no usable private key")
}
