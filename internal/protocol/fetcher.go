package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ErrUnsupportedScheme is returned when no fetcher handles a URL.
var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

// Fetcher opens a remote file as a stream.
type Fetcher interface {
	Supports(u *url.URL) bool
	Open(ctx context.Context, rawURL string) (io.ReadCloser, *Metadata, error)
}

// Credentials looks up a login for a URL, typically from a netrc file.
type Credentials interface {
	Credentials(rawURL string) (user, password string, ok bool)
}

// Registry picks the first registered fetcher that supports a URL.
type Registry struct {
	fetchers []Fetcher
}

// NewRegistry creates a registry over the given fetchers, in priority order.
func NewRegistry(fetchers ...Fetcher) *Registry {
	return &Registry{fetchers: fetchers}
}

// Register appends a fetcher.
func (r *Registry) Register(f Fetcher) {
	r.fetchers = append(r.fetchers, f)
}

// Resolve returns the fetcher for rawURL.
func (r *Registry) Resolve(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid URL %q", rawURL)
	}
	for _, f := range r.fetchers {
		if f.Supports(u) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, strings.ToLower(u.Scheme))
}

// closeOnCancel closes c when ctx is cancelled before the stream is closed.
// FTP and SSH connections ignore contexts once established.
type closeOnCancel struct {
	io.Reader
	closeFn func() error
	stop    func() bool
}

func newCloseOnCancel(ctx context.Context, r io.Reader, closeFn func() error) *closeOnCancel {
	c := &closeOnCancel{Reader: r, closeFn: closeFn}
	c.stop = context.AfterFunc(ctx, func() { closeFn() })
	return c
}

func (c *closeOnCancel) Close() error {
	if !c.stop() {
		// AfterFunc already closed the connection.
		return nil
	}
	return c.closeFn()
}
