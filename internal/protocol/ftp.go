package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPClient streams files from FTP and FTPS servers.
type FTPClient struct {
	timeout       time.Duration
	username      string
	password      string
	implicitTLS   bool
	skipTLSVerify bool
	credentials   Credentials
}

// FTPClientOption configures FTPClient.
type FTPClientOption func(*FTPClient)

// WithFTPTimeout bounds dialing and control-channel replies.
func WithFTPTimeout(timeout time.Duration) FTPClientOption {
	return func(c *FTPClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithFTPAuth sets the default login.
func WithFTPAuth(username, password string) FTPClientOption {
	return func(c *FTPClient) {
		c.username = username
		c.password = password
	}
}

// WithFTPCredentials supplies per-host logins.
func WithFTPCredentials(creds Credentials) FTPClientOption {
	return func(c *FTPClient) {
		c.credentials = creds
	}
}

// WithFTPSImplicit uses implicit TLS (port 990) for ftps:// URLs.
func WithFTPSImplicit(implicit bool) FTPClientOption {
	return func(c *FTPClient) {
		c.implicitTLS = implicit
	}
}

// WithFTPSkipTLSVerify skips certificate verification for ftps:// URLs.
func WithFTPSkipTLSVerify(skip bool) FTPClientOption {
	return func(c *FTPClient) {
		c.skipTLSVerify = skip
	}
}

// NewFTPClient creates an FTP client.
func NewFTPClient(opts ...FTPClientOption) *FTPClient {
	c := &FTPClient{
		timeout:  30 * time.Second,
		username: "anonymous",
		password: "kapi@localhost",
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Supports reports whether the URL uses ftp or ftps.
func (c *FTPClient) Supports(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return scheme == "ftp" || scheme == "ftps"
}

// Open logs in and starts a RETR for the URL path.
func (c *FTPClient) Open(ctx context.Context, rawURL string) (io.ReadCloser, *Metadata, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing URL: %w", err)
	}

	secure := strings.EqualFold(parsed.Scheme, "ftps")
	host := parsed.Host
	if parsed.Port() == "" {
		port := "21"
		if secure && c.implicitTLS {
			port = "990"
		}
		host = net.JoinHostPort(parsed.Hostname(), port)
	}

	dialOpts := []ftp.DialOption{
		ftp.DialWithTimeout(c.timeout),
		ftp.DialWithContext(ctx),
	}
	if secure {
		tlsConfig := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: c.skipTLSVerify,
			ServerName:         parsed.Hostname(),
		}
		if c.implicitTLS {
			dialOpts = append(dialOpts, ftp.DialWithTLS(tlsConfig))
		} else {
			dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(tlsConfig))
		}
	}

	conn, err := ftp.Dial(host, dialOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to FTP server: %w", err)
	}

	username, password := c.login(rawURL, parsed)
	if err := conn.Login(username, password); err != nil {
		conn.Quit()
		return nil, nil, fmt.Errorf("FTP login failed: %w", err)
	}

	remote := parsed.Path
	if remote == "" {
		remote = "/"
	}

	size, err := conn.FileSize(remote)
	if err != nil {
		size = -1
	}
	modTime, err := conn.GetTime(remote)
	if err != nil {
		modTime = time.Time{}
	}

	resp, err := conn.Retr(remote)
	if err != nil {
		conn.Quit()
		return nil, nil, fmt.Errorf("retrieving file: %w", err)
	}

	meta := &Metadata{
		URL:           rawURL,
		Filename:      baseName(remote),
		ContentLength: size,
		ContentType:   "application/octet-stream",
		LastModified:  modTime,
		Protocol:      "FTP",
	}

	body := newCloseOnCancel(ctx, resp, func() error {
		err := resp.Close()
		conn.Quit()
		return err
	})
	return body, meta, nil
}

func (c *FTPClient) login(rawURL string, parsed *url.URL) (string, string) {
	if parsed.User != nil {
		password, _ := parsed.User.Password()
		return parsed.User.Username(), password
	}
	if c.credentials != nil {
		if user, pass, ok := c.credentials.Credentials(rawURL); ok {
			return user, pass
		}
	}
	return c.username, c.password
}

func baseName(remote string) string {
	name := path.Base(remote)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}
