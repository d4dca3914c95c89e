package netcheck

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"github.com/kilimcininkoroglu/kapi/internal/logging"
	"github.com/kilimcininkoroglu/kapi/internal/protocol"
)

const (
	DefaultProbeURL     = "https://www.google.com"
	DefaultFallbackAddr = "8.8.8.8:53"
	DefaultProbeTimeout = 1500 * time.Millisecond
)

// Prober performs one reachability check.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) Outcome
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, timeout time.Duration) Outcome

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, timeout time.Duration) Outcome {
	return f(ctx, timeout)
}

// HTTPProber checks reachability with a GET against a well-known host. A
// 429 answer falls back to a raw TCP connect to a public DNS resolver, made
// directly unless WithFallbackProxy is set.
type HTTPProber struct {
	url          string
	fallbackAddr string
	userAgent    string
	detector     TransportDetector
	httpOpts     []protocol.HTTPClientOption
	dial         func(ctx context.Context, network, addr string, timeout time.Duration) error
	logger       zerolog.Logger
}

// HTTPProberOption configures HTTPProber.
type HTTPProberOption func(*HTTPProber)

// WithProbeURL sets the URL that must answer 200.
func WithProbeURL(rawURL string) HTTPProberOption {
	return func(p *HTTPProber) {
		if rawURL != "" {
			p.url = rawURL
		}
	}
}

// WithFallbackAddr sets the host:port dialed when the probe URL answers 429.
func WithFallbackAddr(addr string) HTTPProberOption {
	return func(p *HTTPProber) {
		if addr != "" {
			p.fallbackAddr = addr
		}
	}
}

// WithFallbackProxy routes the fallback dial the way the probe request is
// routed. A SOCKS5 proxy carries the connection to the fallback address. An
// HTTP proxy cannot relay a raw dial, so the proxy itself is dialed instead.
// Without this option the fallback dials directly.
func WithFallbackProxy(proxyURL string) HTTPProberOption {
	return func(p *HTTPProber) {
		if dial := proxyDial(proxyURL); dial != nil {
			p.dial = dial
		}
	}
}

// WithProbeUserAgent sets the User-Agent of probe requests.
func WithProbeUserAgent(ua string) HTTPProberOption {
	return func(p *HTTPProber) {
		p.userAgent = ua
	}
}

// WithTransportDetector replaces the interface-based transport check.
func WithTransportDetector(d TransportDetector) HTTPProberOption {
	return func(p *HTTPProber) {
		if d != nil {
			p.detector = d
		}
	}
}

// WithHTTPOptions passes extra options (proxy, TLS) to the probe client.
func WithHTTPOptions(opts ...protocol.HTTPClientOption) HTTPProberOption {
	return func(p *HTTPProber) {
		p.httpOpts = append(p.httpOpts, opts...)
	}
}

// WithProberLogger sets the logger.
func WithProberLogger(logger zerolog.Logger) HTTPProberOption {
	return func(p *HTTPProber) {
		p.logger = logger
	}
}

// NewHTTPProber creates a prober with the default endpoints.
func NewHTTPProber(opts ...HTTPProberOption) *HTTPProber {
	p := &HTTPProber{
		url:          DefaultProbeURL,
		fallbackAddr: DefaultFallbackAddr,
		userAgent:    protocol.DefaultUserAgent,
		detector:     InterfaceDetector{},
		dial:         dialTCP,
		logger:       logging.Component("probe"),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Probe classifies reachability within timeout. It never returns an error:
// every I/O failure maps to an Outcome.
func (p *HTTPProber) Probe(ctx context.Context, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	if !p.detector.HasActiveTransport() {
		p.logger.Debug().Msg("no active network transport")
		return OutcomeNetworkDisabled
	}

	opts := append([]protocol.HTTPClientOption{
		protocol.WithTimeout(2 * timeout),
		protocol.WithConnectTimeout(timeout),
		protocol.WithUserAgent(p.userAgent),
	}, p.httpOpts...)
	client := protocol.NewHTTPClient(opts...)

	code, err := client.Ping(ctx, p.url)
	if err != nil {
		if protocol.IsTLSError(err) {
			p.logger.Debug().Err(err).Str("url", p.url).Msg("probe TLS handshake failed")
			return OutcomeTLSFailure
		}
		msg := "probe request failed"
		if protocol.IsTimeout(err) {
			msg = "probe timed out"
		}
		p.logger.Debug().Err(err).Str("url", p.url).Msg(msg)
		return OutcomeTimeout
	}

	switch code {
	case http.StatusOK:
		return OutcomeSuccess
	case http.StatusTooManyRequests:
		p.logger.Debug().Str("addr", p.fallbackAddr).Msg("probe rate limited, dialing fallback")
		if err := p.dial(ctx, "tcp", p.fallbackAddr, timeout); err != nil {
			p.logger.Debug().Err(err).Str("addr", p.fallbackAddr).Msg("fallback dial failed")
			return OutcomeTimeout
		}
		return OutcomeSuccess
	default:
		p.logger.Debug().Int("status", code).Str("url", p.url).Msg("probe got unexpected status")
		return OutcomeTimeout
	}
}

// proxyDial returns a dial function that goes through proxyURL, or nil when
// proxyURL is empty or unusable.
func proxyDial(proxyURL string) func(ctx context.Context, network, addr string, timeout time.Duration) error {
	if proxyURL == "" {
		return nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil || parsed.Host == "" {
		return nil
	}

	switch parsed.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		return func(ctx context.Context, network, addr string, timeout time.Duration) error {
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, &net.Dialer{Timeout: timeout})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var conn net.Conn
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				conn, err = cd.DialContext(ctx, network, addr)
			} else {
				conn, err = dialer.Dial(network, addr)
			}
			if err != nil {
				return err
			}
			return conn.Close()
		}
	default:
		proxyAddr := parsed.Host
		if parsed.Port() == "" {
			port := "80"
			if parsed.Scheme == "https" {
				port = "443"
			}
			proxyAddr = net.JoinHostPort(parsed.Hostname(), port)
		}
		return func(ctx context.Context, network, _ string, timeout time.Duration) error {
			return dialTCP(ctx, network, proxyAddr, timeout)
		}
	}
}

func dialTCP(ctx context.Context, network, addr string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
