package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kilimcininkoroglu/kapi/internal/download"
	"github.com/kilimcininkoroglu/kapi/internal/netcheck"
)

func statusEvent(h download.Handle, s download.Status, at time.Time) download.Event {
	return download.Event{Kind: download.EventStatus, Handle: h, Status: s, Time: at}
}

func progressEvent(h download.Handle, current int64) download.Event {
	return download.Event{Kind: download.EventProgress, Handle: h, Status: download.StatusDownloading, Current: current, Total: 1000}
}

func TestMetrics_Observe(t *testing.T) {
	m := New()
	t0 := time.Now()

	m.Observe(statusEvent("a", download.StatusConnecting, t0))
	m.Observe(statusEvent("b", download.StatusConnecting, t0))
	m.Observe(statusEvent("a", download.StatusDownloading, t0))
	m.Observe(progressEvent("a", 400))
	m.Observe(progressEvent("a", 1000))
	m.Observe(statusEvent("a", download.StatusSuccess, t0.Add(2*time.Second)))
	m.Observe(statusEvent("b", download.StatusTimeout, t0.Add(400*time.Second)))

	s := m.Snapshot()
	if s.DownloadsStarted != 2 {
		t.Errorf("DownloadsStarted = %d, want 2", s.DownloadsStarted)
	}
	if s.Active != 0 {
		t.Errorf("Active = %d, want 0", s.Active)
	}
	if s.BytesTotal != 1000 {
		t.Errorf("BytesTotal = %d, want 1000", s.BytesTotal)
	}
	if s.Terminal[download.StatusSuccess] != 1 || s.Terminal[download.StatusTimeout] != 1 {
		t.Errorf("Terminal = %v", s.Terminal)
	}

	// 2s lands in le=5 and above; 400s only in +Inf.
	want := []int64{0, 1, 1, 1, 1, 2}
	for i, c := range want {
		if s.DurationBuckets[i] != c {
			t.Errorf("DurationBuckets[%d] = %d, want %d", i, s.DurationBuckets[i], c)
		}
	}
	if s.DurationSum != 402 {
		t.Errorf("DurationSum = %v, want 402", s.DurationSum)
	}
}

func TestMetrics_WrapProber(t *testing.T) {
	m := New()
	release := make(chan struct{})
	p := m.WrapProber(netcheck.ProberFunc(func(ctx context.Context, timeout time.Duration) netcheck.Outcome {
		<-release
		return netcheck.OutcomeTLSFailure
	}))

	done := make(chan netcheck.Outcome)
	go func() { done <- p.Probe(context.Background(), time.Second) }()

	deadline := time.Now().Add(time.Second)
	for m.Snapshot().ProbesInFlight != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := m.Snapshot().ProbesInFlight; got != 1 {
		t.Errorf("ProbesInFlight = %d, want 1", got)
	}

	close(release)
	if o := <-done; o != netcheck.OutcomeTLSFailure {
		t.Errorf("Probe() = %v, want tls_failure", o)
	}

	s := m.Snapshot()
	if s.ProbesInFlight != 0 {
		t.Errorf("ProbesInFlight = %d, want 0", s.ProbesInFlight)
	}
	if s.Probes[netcheck.OutcomeTLSFailure] != 1 {
		t.Errorf("Probes = %v", s.Probes)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Observe(statusEvent("a", download.StatusConnecting, time.Now()))
	m.RecordProbe(netcheck.OutcomeSuccess)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, line := range []string{
		"kapi_downloads_started_total 1",
		"kapi_active_downloads 1",
		`kapi_downloads_finished_total{status="cancel"} 0`,
		`kapi_probes_total{outcome="success"} 1`,
		`kapi_download_duration_seconds_bucket{le="+Inf"} 0`,
		"kapi_probes_in_flight 0",
	} {
		if !strings.Contains(body, line) {
			t.Errorf("metrics output missing %q", line)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestServer(t *testing.T) {
	s := NewServer("127.0.0.1:0", New())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("/health = %d %q", resp.StatusCode, body)
	}

	other := NewServer(s.Addr(), New())
	if err := other.Start(); err == nil {
		other.Stop(context.Background())
		t.Error("Start() on a bound address should fail")
	}
}
