package netcheck

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilimcininkoroglu/kapi/internal/logging"
)

const (
	DefaultMonitorHost     = "a.root-servers.net"
	DefaultMonitorInterval = 5 * time.Second
)

// Monitor watches network availability and publishes changes. A network
// counts as available when a transport is active and DNS resolves the
// monitor host.
type Monitor struct {
	detector TransportDetector
	lookup   func(ctx context.Context, host string) ([]string, error)
	host     string
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	known  bool
	online bool
	subs   map[chan bool]struct{}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorInterval sets the polling interval.
func WithMonitorInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMonitorHost sets the host resolved on every poll.
func WithMonitorHost(host string) MonitorOption {
	return func(m *Monitor) {
		if host != "" {
			m.host = host
		}
	}
}

// WithLookup replaces the DNS lookup.
func WithLookup(lookup func(ctx context.Context, host string) ([]string, error)) MonitorOption {
	return func(m *Monitor) {
		m.lookup = lookup
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(logger zerolog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a monitor over detector.
func NewMonitor(detector TransportDetector, opts ...MonitorOption) *Monitor {
	if detector == nil {
		detector = InterfaceDetector{}
	}
	m := &Monitor{
		detector: detector,
		lookup:   net.DefaultResolver.LookupHost,
		host:     DefaultMonitorHost,
		interval: DefaultMonitorInterval,
		timeout:  DefaultProbeTimeout,
		logger:   logging.Component("monitor"),
		subs:     make(map[chan bool]struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Subscribe returns a channel receiving the availability after each change.
// Slow subscribers only see the latest value.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	if m.known {
		ch <- m.online
	}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}
}

// Online returns the last observed availability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll checks availability once and publishes it if it changed.
func (m *Monitor) Poll(ctx context.Context) bool {
	online := m.check(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.known && m.online == online {
		return online
	}
	m.known = true
	m.online = online
	m.logger.Info().Bool("online", online).Msg("network availability changed")

	for ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return online
}

func (m *Monitor) check(ctx context.Context) bool {
	if !m.detector.HasActiveTransport() {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	addrs, err := m.lookup(ctx, m.host)
	if err != nil {
		m.logger.Debug().Err(err).Str("host", m.host).Msg("lookup failed")
		return false
	}
	return len(addrs) > 0
}
