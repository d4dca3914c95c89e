package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
)

// HTTP3Client streams files over HTTP/3 (QUIC). It serves http3:// URLs,
// which are requested as https.
type HTTP3Client struct {
	client    *http.Client
	transport *http3.Transport
	userAgent string
	headers   map[string]string
}

// HTTP3ClientOption configures HTTP3Client.
type HTTP3ClientOption func(*HTTP3Client)

// WithHTTP3Timeout bounds a whole request. Zero disables the bound.
func WithHTTP3Timeout(timeout time.Duration) HTTP3ClientOption {
	return func(c *HTTP3Client) {
		c.client.Timeout = timeout
	}
}

// WithHTTP3UserAgent sets the User-Agent.
func WithHTTP3UserAgent(ua string) HTTP3ClientOption {
	return func(c *HTTP3Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHTTP3Header adds a custom header.
func WithHTTP3Header(key, value string) HTTP3ClientOption {
	return func(c *HTTP3Client) {
		c.headers[key] = value
	}
}

// WithHTTP3InsecureSkipVerify disables certificate verification.
func WithHTTP3InsecureSkipVerify(skip bool) HTTP3ClientOption {
	return func(c *HTTP3Client) {
		c.transport.TLSClientConfig.InsecureSkipVerify = skip
	}
}

// NewHTTP3Client creates an HTTP/3 client.
func NewHTTP3Client(opts ...HTTP3ClientOption) *HTTP3Client {
	transport := &http3.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS13},
	}
	c := &HTTP3Client{
		client:    &http.Client{Transport: transport},
		transport: transport,
		userAgent: DefaultUserAgent + " (HTTP/3)",
		headers:   make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Supports reports whether the URL uses the http3 scheme.
func (c *HTTP3Client) Supports(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, "http3")
}

// Open starts streaming rawURL over QUIC.
func (c *HTTP3Client) Open(ctx context.Context, rawURL string) (io.ReadCloser, *Metadata, error) {
	target, err := toHTTPS(rawURL)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GET request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("executing HTTP/3 GET request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	meta := parseMetadata(rawURL, resp)
	return resp.Body, meta, nil
}

// Close releases QUIC connections.
func (c *HTTP3Client) Close() error {
	return c.transport.Close()
}

func toHTTPS(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing URL: %w", err)
	}
	u.Scheme = "https"
	return u.String(), nil
}
