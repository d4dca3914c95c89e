// Package metrics exposes download and connectivity counters in the
// Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilimcininkoroglu/kapi/internal/download"
	"github.com/kilimcininkoroglu/kapi/internal/logging"
	"github.com/kilimcininkoroglu/kapi/internal/netcheck"
)

// durationBounds are the upper bounds, in seconds, of the duration
// histogram buckets.
var durationBounds = []float64{1, 5, 30, 60, 300}

var terminalStatuses = []download.Status{
	download.StatusSuccess,
	download.StatusTimeout,
	download.StatusCancel,
	download.StatusTLSFailure,
}

var probeOutcomes = []netcheck.Outcome{
	netcheck.OutcomeSuccess,
	netcheck.OutcomeTimeout,
	netcheck.OutcomeTLSFailure,
	netcheck.OutcomeNetworkDisabled,
}

// Metrics collects counters fed by orchestrator events and probe results.
type Metrics struct {
	downloadsStarted atomic.Int64
	bytesTotal       atomic.Int64
	active           atomic.Int64
	probesInFlight   atomic.Int64
	terminal         map[download.Status]*atomic.Int64
	probes           map[netcheck.Outcome]*atomic.Int64

	mu          sync.Mutex
	started     map[download.Handle]time.Time
	transferred map[download.Handle]int64
	buckets     []int64 // cumulative counts per durationBounds, plus +Inf
	durationSum float64

	startTime time.Time
}

// New creates an empty metrics set.
func New() *Metrics {
	m := &Metrics{
		terminal:    make(map[download.Status]*atomic.Int64),
		probes:      make(map[netcheck.Outcome]*atomic.Int64),
		started:     make(map[download.Handle]time.Time),
		transferred: make(map[download.Handle]int64),
		buckets:     make([]int64, len(durationBounds)+1),
		startTime:   time.Now(),
	}
	for _, s := range terminalStatuses {
		m.terminal[s] = new(atomic.Int64)
	}
	for _, o := range probeOutcomes {
		m.probes[o] = new(atomic.Int64)
	}
	return m
}

// Observe updates counters from an orchestrator event. It is meant to be
// registered with Orchestrator.OnEvent.
func (m *Metrics) Observe(e download.Event) {
	switch {
	case e.Kind == download.EventProgress:
		m.mu.Lock()
		if delta := e.Current - m.transferred[e.Handle]; delta > 0 {
			m.bytesTotal.Add(delta)
			m.transferred[e.Handle] = e.Current
		}
		m.mu.Unlock()

	case e.Status == download.StatusConnecting:
		m.downloadsStarted.Add(1)
		m.active.Add(1)
		m.mu.Lock()
		m.started[e.Handle] = e.Time
		m.mu.Unlock()

	case e.Status.IsTerminal():
		if c, ok := m.terminal[e.Status]; ok {
			c.Add(1)
		}
		m.active.Add(-1)

		m.mu.Lock()
		if start, ok := m.started[e.Handle]; ok {
			m.recordDurationLocked(e.Time.Sub(start))
		}
		delete(m.started, e.Handle)
		delete(m.transferred, e.Handle)
		m.mu.Unlock()
	}
}

func (m *Metrics) recordDurationLocked(d time.Duration) {
	secs := d.Seconds()
	m.durationSum += secs
	for i, bound := range durationBounds {
		if secs <= bound {
			m.buckets[i]++
		}
	}
	m.buckets[len(durationBounds)]++
}

// RecordProbe counts one probe attempt.
func (m *Metrics) RecordProbe(o netcheck.Outcome) {
	if c, ok := m.probes[o]; ok {
		c.Add(1)
	}
}

// WrapProber counts every probe made through p and tracks probes in flight.
func (m *Metrics) WrapProber(p netcheck.Prober) netcheck.Prober {
	return netcheck.ProberFunc(func(ctx context.Context, timeout time.Duration) netcheck.Outcome {
		m.probesInFlight.Add(1)
		defer m.probesInFlight.Add(-1)
		o := p.Probe(ctx, timeout)
		m.RecordProbe(o)
		return o
	})
}

// Stats is a point-in-time copy of the counters.
type Stats struct {
	DownloadsStarted int64
	Terminal         map[download.Status]int64
	Active           int64
	BytesTotal       int64
	Probes           map[netcheck.Outcome]int64
	ProbesInFlight   int64
	DurationBuckets  []int64
	DurationCount    int64
	DurationSum      float64
	Uptime           time.Duration
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() Stats {
	s := Stats{
		DownloadsStarted: m.downloadsStarted.Load(),
		Terminal:         make(map[download.Status]int64, len(m.terminal)),
		Active:           m.active.Load(),
		BytesTotal:       m.bytesTotal.Load(),
		Probes:           make(map[netcheck.Outcome]int64, len(m.probes)),
		ProbesInFlight:   m.probesInFlight.Load(),
		Uptime:           time.Since(m.startTime),
	}
	for k, v := range m.terminal {
		s.Terminal[k] = v.Load()
	}
	for k, v := range m.probes {
		s.Probes[k] = v.Load()
	}

	m.mu.Lock()
	s.DurationBuckets = append([]int64(nil), m.buckets...)
	s.DurationCount = m.buckets[len(durationBounds)]
	s.DurationSum = m.durationSum
	m.mu.Unlock()
	return s
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		s := m.Snapshot()

		fmt.Fprintln(w, "# HELP kapi_downloads_started_total Downloads accepted by the orchestrator")
		fmt.Fprintln(w, "# TYPE kapi_downloads_started_total counter")
		fmt.Fprintf(w, "kapi_downloads_started_total %d\n", s.DownloadsStarted)

		fmt.Fprintln(w, "# HELP kapi_downloads_finished_total Downloads by terminal status")
		fmt.Fprintln(w, "# TYPE kapi_downloads_finished_total counter")
		for _, st := range terminalStatuses {
			fmt.Fprintf(w, "kapi_downloads_finished_total{status=%q} %d\n", st, s.Terminal[st])
		}

		fmt.Fprintln(w, "# HELP kapi_active_downloads Downloads not yet in a terminal status")
		fmt.Fprintln(w, "# TYPE kapi_active_downloads gauge")
		fmt.Fprintf(w, "kapi_active_downloads %d\n", s.Active)

		fmt.Fprintln(w, "# HELP kapi_bytes_downloaded_total Bytes received")
		fmt.Fprintln(w, "# TYPE kapi_bytes_downloaded_total counter")
		fmt.Fprintf(w, "kapi_bytes_downloaded_total %d\n", s.BytesTotal)

		fmt.Fprintln(w, "# HELP kapi_probes_total Connectivity probe attempts by outcome")
		fmt.Fprintln(w, "# TYPE kapi_probes_total counter")
		for _, o := range probeOutcomes {
			fmt.Fprintf(w, "kapi_probes_total{outcome=%q} %d\n", o, s.Probes[o])
		}

		fmt.Fprintln(w, "# HELP kapi_probes_in_flight Connectivity probes running now")
		fmt.Fprintln(w, "# TYPE kapi_probes_in_flight gauge")
		fmt.Fprintf(w, "kapi_probes_in_flight %d\n", s.ProbesInFlight)

		fmt.Fprintln(w, "# HELP kapi_download_duration_seconds Time from Connecting to a terminal status")
		fmt.Fprintln(w, "# TYPE kapi_download_duration_seconds histogram")
		for i, bound := range durationBounds {
			fmt.Fprintf(w, "kapi_download_duration_seconds_bucket{le=\"%g\"} %d\n", bound, s.DurationBuckets[i])
		}
		fmt.Fprintf(w, "kapi_download_duration_seconds_bucket{le=\"+Inf\"} %d\n", s.DurationCount)
		fmt.Fprintf(w, "kapi_download_duration_seconds_sum %g\n", s.DurationSum)
		fmt.Fprintf(w, "kapi_download_duration_seconds_count %d\n", s.DurationCount)

		fmt.Fprintln(w, "# HELP kapi_uptime_seconds Time since start")
		fmt.Fprintln(w, "# TYPE kapi_uptime_seconds gauge")
		fmt.Fprintf(w, "kapi_uptime_seconds %d\n", int64(s.Uptime.Seconds()))
	})
}

// Server serves /metrics and /health.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates a server for m on addr.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logging.Component("metrics"),
	}
}

// Start binds the address and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.listener = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}
