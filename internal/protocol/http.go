// Package protocol provides the network clients used to probe connectivity
// and to stream remote files.
package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"
)

// DefaultUserAgent is sent when no other agent is configured.
const DefaultUserAgent = "Kapi/0.1"

// Metadata describes a remote file as reported when its stream was opened.
type Metadata struct {
	URL           string
	Filename      string
	ContentLength int64 // -1 when unknown
	ContentType   string
	LastModified  time.Time
	Protocol      string // e.g. "HTTP/1.1", "HTTP/2.0", "FTP", "SFTP"
}

// StatusError is returned when an HTTP server answers with an unexpected status.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "unexpected HTTP status: " + e.Status
}

// HTTPClient is an HTTP adapter shared by the connectivity probe and the
// transfer engine.
type HTTPClient struct {
	client      *http.Client
	dialer      *net.Dialer
	userAgent   string
	headers     map[string]string
	credentials Credentials
	tokens      map[string]oauth2.TokenSource // by lower-case host name
	forceHTTP1  bool
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithTimeout bounds a whole request including reading the body. Zero
// disables the bound, which streaming downloads need.
func WithTimeout(timeout time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = timeout
	}
}

// WithConnectTimeout bounds dialing, the TLS handshake and waiting for
// response headers.
func WithConnectTimeout(timeout time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		if timeout <= 0 {
			return
		}
		c.dialer.Timeout = timeout
		transport := c.getTransport()
		transport.TLSHandshakeTimeout = timeout
		transport.ResponseHeaderTimeout = timeout
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPClientOption {
	return func(c *HTTPClient) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHeader adds a custom header.
func WithHeader(key, value string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.headers[key] = value
	}
}

// WithHeaders adds multiple custom headers.
func WithHeaders(headers map[string]string) HTTPClientOption {
	return func(c *HTTPClient) {
		for key, value := range headers {
			c.headers[key] = value
		}
	}
}

// WithCredentials supplies per-host basic auth, typically from a netrc file.
func WithCredentials(creds Credentials) HTTPClientOption {
	return func(c *HTTPClient) {
		c.credentials = creds
	}
}

// WithTokenSource sends a bearer token from ts on requests to host. The
// token takes precedence over netrc credentials.
func WithTokenSource(host string, ts oauth2.TokenSource) HTTPClientOption {
	return func(c *HTTPClient) {
		if host == "" || ts == nil {
			return
		}
		if c.tokens == nil {
			c.tokens = make(map[string]oauth2.TokenSource)
		}
		c.tokens[strings.ToLower(host)] = ts
	}
}

// WithProxy routes requests through an HTTP(S) proxy. socks5:// URLs are
// handed to WithSOCKS5Proxy.
func WithProxy(proxyURL string) HTTPClientOption {
	return func(c *HTTPClient) {
		if proxyURL == "" {
			return
		}
		if strings.HasPrefix(proxyURL, "socks5://") {
			WithSOCKS5Proxy(proxyURL, nil)(c)
			return
		}

		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return
		}
		c.getTransport().Proxy = http.ProxyURL(parsed)
	}
}

// WithSOCKS5Proxy dials through a SOCKS5 proxy. proxyAddr may be host:port
// or a socks5:// URL carrying credentials.
func WithSOCKS5Proxy(proxyAddr string, auth *proxy.Auth) HTTPClientOption {
	return func(c *HTTPClient) {
		if proxyAddr == "" {
			return
		}

		if strings.HasPrefix(proxyAddr, "socks5://") {
			parsed, err := url.Parse(proxyAddr)
			if err != nil {
				return
			}
			proxyAddr = parsed.Host
			if parsed.User != nil {
				password, _ := parsed.User.Password()
				auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
			}
		}

		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, c.dialer)
		if err != nil {
			return
		}

		transport := c.getTransport()
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
			return
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify(skip bool) HTTPClientOption {
	return func(c *HTTPClient) {
		if !skip {
			return
		}
		transport := c.getTransport()
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
	}
}

// WithTLSConfig sets a custom TLS configuration.
func WithTLSConfig(config *tls.Config) HTTPClientOption {
	return func(c *HTTPClient) {
		if config == nil {
			return
		}
		c.getTransport().TLSClientConfig = config
	}
}

// WithForceHTTP1 disables HTTP/2 negotiation.
func WithForceHTTP1(force bool) HTTPClientOption {
	return func(c *HTTPClient) {
		c.forceHTTP1 = force
		if force {
			transport := c.getTransport()
			transport.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
			transport.ForceAttemptHTTP2 = false
		}
	}
}

func (c *HTTPClient) getTransport() *http.Transport {
	if t, ok := c.client.Transport.(*http.Transport); ok {
		return t
	}
	t := &http.Transport{
		DialContext:         c.dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	c.client.Transport = t
	return t
}

// NewHTTPClient creates an HTTP client with the given options.
func NewHTTPClient(opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		client:    &http.Client{Timeout: 30 * time.Second},
		dialer:    &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
		userAgent: DefaultUserAgent,
		headers:   make(map[string]string),
	}
	c.getTransport()

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Supports reports whether the URL scheme is http or https.
func (c *HTTPClient) Supports(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// Ping issues a single GET on a non-reused connection and returns the
// status code. The body is drained and discarded.
func (c *HTTPClient) Ping(ctx context.Context, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("creating GET request: %w", err)
	}
	if err := c.setHeaders(req); err != nil {
		return 0, err
	}
	req.Close = true

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("executing GET request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}

// Open starts streaming rawURL. The caller closes the returned body.
func (c *HTTPClient) Open(ctx context.Context, rawURL string) (io.ReadCloser, *Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GET request: %w", err)
	}
	if err := c.setHeaders(req); err != nil {
		return nil, nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("executing GET request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	return resp.Body, parseMetadata(rawURL, resp), nil
}

func (c *HTTPClient) setHeaders(req *http.Request) error {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	if req.Header.Get("Authorization") != "" {
		return nil
	}
	if ts, ok := c.tokens[strings.ToLower(req.URL.Hostname())]; ok {
		token, err := ts.Token()
		if err != nil {
			return fmt.Errorf("obtaining token for %s: %w", req.URL.Hostname(), err)
		}
		token.SetAuthHeader(req)
		return nil
	}
	if c.credentials != nil {
		if user, pass, ok := c.credentials.Credentials(req.URL.String()); ok {
			req.SetBasicAuth(user, pass)
		}
	}
	return nil
}

func parseMetadata(rawURL string, resp *http.Response) *Metadata {
	meta := &Metadata{
		URL:           rawURL,
		ContentLength: -1,
		ContentType:   resp.Header.Get("Content-Type"),
		Protocol:      resp.Proto,
	}

	if resp.ContentLength >= 0 {
		meta.ContentLength = resp.ContentLength
	} else if cl := resp.Header.Get("Content-Length"); cl != "" {
		if length, err := strconv.ParseInt(cl, 10, 64); err == nil {
			meta.ContentLength = length
		}
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.LastModified = t
		}
	}

	meta.Filename = FilenameFromURL(rawURL)
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if name := parseContentDisposition(cd); name != "" {
			meta.Filename = name
		}
	}

	return meta
}

// FilenameFromURL returns the last path segment of rawURL, or "download".
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}

	name := u.Path
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}

	if name == "" || name == "." || name == ".." {
		return "download"
	}
	return name
}

// parseContentDisposition handles filename="x", filename=x and
// filename*=UTF-8''x forms.
func parseContentDisposition(cd string) string {
	for _, part := range strings.Split(cd, ";") {
		part = strings.TrimSpace(part)
		lower := strings.ToLower(part)

		if strings.HasPrefix(lower, "filename*=") {
			value := part[len("filename*="):]
			if idx := strings.Index(value, "''"); idx >= 0 {
				value = value[idx+2:]
			}
			if decoded, err := url.QueryUnescape(value); err == nil {
				return decoded
			}
			return value
		}

		if strings.HasPrefix(lower, "filename=") {
			return strings.Trim(part[len("filename="):], `"'`)
		}
	}
	return ""
}
