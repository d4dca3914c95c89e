package netcheck

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilimcininkoroglu/kapi/internal/protocol"
)

var online = TransportFunc(func() bool { return true })

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeSuccess, "success"},
		{OutcomeTimeout, "timeout"},
		{OutcomeTLSFailure, "tls_failure"},
		{OutcomeNetworkDisabled, "network_disabled"},
		{Outcome(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", tt.outcome, got, tt.want)
		}
	}
}

func TestOutcome_Retryable(t *testing.T) {
	if !OutcomeTimeout.Retryable() {
		t.Error("Timeout should be retryable")
	}
	for _, o := range []Outcome{OutcomeSuccess, OutcomeTLSFailure, OutcomeNetworkDisabled} {
		if o.Retryable() {
			t.Errorf("%v should not be retryable", o)
		}
	}
}

func TestHTTPProber_NoTransport(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	p := NewHTTPProber(
		WithProbeURL(server.URL),
		WithTransportDetector(TransportFunc(func() bool { return false })),
	)

	if got := p.Probe(context.Background(), time.Second); got != OutcomeNetworkDisabled {
		t.Errorf("Probe() = %v, want %v", got, OutcomeNetworkDisabled)
	}
	if hits.Load() != 0 {
		t.Errorf("server hits = %d, want 0", hits.Load())
	}
}

func TestHTTPProber_Status(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Outcome
	}{
		{"ok", http.StatusOK, OutcomeSuccess},
		{"server error", http.StatusInternalServerError, OutcomeTimeout},
		{"redirect target missing", http.StatusNotFound, OutcomeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUA string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUA = r.Header.Get("User-Agent")
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			p := NewHTTPProber(
				WithProbeURL(server.URL),
				WithProbeUserAgent("kapi-probe"),
				WithTransportDetector(online),
			)
			if got := p.Probe(context.Background(), time.Second); got != tt.want {
				t.Errorf("Probe() = %v, want %v", got, tt.want)
			}
			if gotUA != "kapi-probe" {
				t.Errorf("User-Agent = %q, want %q", gotUA, "kapi-probe")
			}
		})
	}
}

func TestHTTPProber_RateLimitedFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewHTTPProber(
		WithProbeURL(server.URL),
		WithFallbackAddr(listener.Addr().String()),
		WithTransportDetector(online),
	)
	if got := p.Probe(context.Background(), time.Second); got != OutcomeSuccess {
		t.Errorf("Probe() with reachable fallback = %v, want %v", got, OutcomeSuccess)
	}

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	deadAddr := closed.Addr().String()
	closed.Close()

	p = NewHTTPProber(
		WithProbeURL(server.URL),
		WithFallbackAddr(deadAddr),
		WithTransportDetector(online),
	)
	if got := p.Probe(context.Background(), time.Second); got != OutcomeTimeout {
		t.Errorf("Probe() with dead fallback = %v, want %v", got, OutcomeTimeout)
	}
}

// fakeSOCKS5 accepts one CONNECT per connection, records the requested
// target and reports success without dialing it.
func fakeSOCKS5(t *testing.T) (addr string, targets <-chan string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	ch := make(chan string, 4)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)

				greeting := make([]byte, 2)
				if _, err := io.ReadFull(r, greeting); err != nil {
					return
				}
				if _, err := io.ReadFull(r, make([]byte, greeting[1])); err != nil {
					return
				}
				conn.Write([]byte{5, 0})

				head := make([]byte, 4)
				if _, err := io.ReadFull(r, head); err != nil {
					return
				}
				var host string
				switch head[3] {
				case 1:
					ip := make([]byte, 4)
					io.ReadFull(r, ip)
					host = net.IP(ip).String()
				case 3:
					n, _ := r.ReadByte()
					name := make([]byte, n)
					io.ReadFull(r, name)
					host = string(name)
				case 4:
					ip := make([]byte, 16)
					io.ReadFull(r, ip)
					host = net.IP(ip).String()
				}
				port := make([]byte, 2)
				if _, err := io.ReadFull(r, port); err != nil {
					return
				}
				ch <- net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port))))
				conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
			}(conn)
		}
	}()
	return listener.Addr().String(), ch
}

func TestHTTPProber_FallbackThroughProxy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	const fallback = "203.0.113.1:53"

	t.Run("socks5", func(t *testing.T) {
		proxyAddr, targets := fakeSOCKS5(t)
		p := NewHTTPProber(
			WithProbeURL(server.URL),
			WithFallbackAddr(fallback),
			WithFallbackProxy("socks5://"+proxyAddr),
			WithTransportDetector(online),
		)
		if got := p.Probe(context.Background(), time.Second); got != OutcomeSuccess {
			t.Fatalf("Probe() = %v, want %v", got, OutcomeSuccess)
		}
		select {
		case target := <-targets:
			if target != fallback {
				t.Errorf("proxied target = %q, want %q", target, fallback)
			}
		case <-time.After(time.Second):
			t.Error("fallback dial did not go through the proxy")
		}
	})

	t.Run("http", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("Listen() error = %v", err)
		}
		defer listener.Close()
		var accepted atomic.Int32
		go func() {
			for {
				conn, err := listener.Accept()
				if err != nil {
					return
				}
				accepted.Add(1)
				conn.Close()
			}
		}()

		p := NewHTTPProber(
			WithProbeURL(server.URL),
			WithFallbackAddr(fallback),
			WithFallbackProxy("http://"+listener.Addr().String()),
			WithTransportDetector(online),
		)
		if got := p.Probe(context.Background(), time.Second); got != OutcomeSuccess {
			t.Errorf("Probe() = %v, want %v", got, OutcomeSuccess)
		}
		deadline := time.Now().Add(time.Second)
		for accepted.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if accepted.Load() == 0 {
			t.Error("proxy was not dialed")
		}
	})

	t.Run("unusable proxy keeps direct dial", func(t *testing.T) {
		if proxyDial("") != nil || proxyDial("::not a url") != nil {
			t.Error("proxyDial() should reject empty and malformed URLs")
		}
	})
}

func TestHTTPProber_TLSFailure(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	p := NewHTTPProber(WithProbeURL(server.URL), WithTransportDetector(online))
	if got := p.Probe(context.Background(), time.Second); got != OutcomeTLSFailure {
		t.Errorf("Probe() = %v, want %v", got, OutcomeTLSFailure)
	}
}

func TestHTTPProber_PlaintextOnHTTPS(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	p := NewHTTPProber(
		WithProbeURL("https://"+server.Listener.Addr().String()),
		WithTransportDetector(online),
		WithHTTPOptions(protocol.WithInsecureSkipVerify(true)),
	)
	if got := p.Probe(context.Background(), time.Second); got != OutcomeTLSFailure {
		t.Errorf("Probe() = %v, want %v", got, OutcomeTLSFailure)
	}
}

func TestHTTPProber_SlowServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	var logs bytes.Buffer
	p := NewHTTPProber(
		WithProbeURL(server.URL),
		WithTransportDetector(online),
		WithProberLogger(zerolog.New(&logs)),
	)

	start := time.Now()
	got := p.Probe(context.Background(), 100*time.Millisecond)
	if got != OutcomeTimeout {
		t.Errorf("Probe() = %v, want %v", got, OutcomeTimeout)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Probe() took %v, want well under 1s", elapsed)
	}
	if !strings.Contains(logs.String(), "probe timed out") {
		t.Errorf("log = %s, want a timeout message", logs.String())
	}
}

func TestHTTPProber_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewHTTPProber(WithProbeURL(server.URL), WithTransportDetector(online))
	if got := p.Probe(ctx, time.Second); got != OutcomeTimeout {
		t.Errorf("Probe() = %v, want %v", got, OutcomeTimeout)
	}
}

func TestInterfaceDetector(t *testing.T) {
	none := InterfaceDetector{Interfaces: func() ([]net.Interface, error) {
		return []net.Interface{{Name: "lo", Flags: net.FlagUp | net.FlagLoopback}}, nil
	}}
	if none.HasActiveTransport() {
		t.Error("loopback-only host should report no transport")
	}

	down := InterfaceDetector{Interfaces: func() ([]net.Interface, error) {
		return []net.Interface{{Name: "eth0", Flags: 0}}, nil
	}}
	if down.HasActiveTransport() {
		t.Error("interface that is down should not count")
	}
}
