package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kilimcininkoroglu/kapi/internal/protocol"
	"github.com/kilimcininkoroglu/kapi/internal/transfer"
)

// recorder collects listener calls and signals the final one.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	progress [][2]int64
	err      error
	started  chan struct{}
	done     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{started: make(chan struct{}), done: make(chan struct{})}
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) OnStart() {
	r.add("start")
	close(r.started)
}

func (r *recorder) OnProgress(current, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, [2]int64{current, total})
}

func (r *recorder) OnComplete() {
	r.add("complete")
	close(r.done)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.add("error")
	close(r.done)
}

func (r *recorder) OnCancel() {
	r.add("cancel")
	close(r.done)
}

func (r *recorder) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not finish")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newTestEngine(client *protocol.HTTPClient) *Engine {
	return New(protocol.NewRegistry(client), Config{ProgressInterval: time.Millisecond})
}

func TestEngine_Download(t *testing.T) {
	body := strings.Repeat("kapi", 64*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.Write([]byte(body))
	}))
	defer server.Close()

	dir := t.TempDir()
	e := newTestEngine(protocol.NewHTTPClient())
	rec := newRecorder()

	h, err := e.StartDownload(context.Background(), transfer.Request{
		URL:      server.URL + "/data.bin",
		Dir:      dir,
		FileName: "data.bin",
	}, rec)
	if err != nil {
		t.Fatalf("StartDownload() error = %v", err)
	}
	if h == 0 {
		t.Error("StartDownload() returned a zero handle")
	}

	calls := rec.wait(t)
	if want := []string{"start", "complete"}; fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}

	got, err := os.ReadFile(filepath.Join(dir, "data.bin"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != body {
		t.Errorf("downloaded %d bytes, want %d", len(got), len(body))
	}
	if _, err := os.Stat(filepath.Join(dir, "data.bin.part")); !os.IsNotExist(err) {
		t.Error("part file should be renamed away")
	}

	rec.mu.Lock()
	last := rec.progress[len(rec.progress)-1]
	var prev int64
	for _, p := range rec.progress {
		if p[0] < prev {
			t.Errorf("progress went backwards: %d after %d", p[0], prev)
		}
		prev = p[0]
	}
	rec.mu.Unlock()
	if last[0] != int64(len(body)) || last[1] != int64(len(body)) {
		t.Errorf("final progress = %v, want %d/%d", last, len(body), len(body))
	}

	e.Wait()
	if e.Active() != 0 {
		t.Errorf("Active() = %d, want 0", e.Active())
	}
}

func TestEngine_UnknownLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		w.Write([]byte("streamed"))
	}))
	defer server.Close()

	e := newTestEngine(protocol.NewHTTPClient())
	rec := newRecorder()
	if _, err := e.StartDownload(context.Background(), transfer.Request{URL: server.URL, Dir: t.TempDir(), FileName: "s"}, rec); err != nil {
		t.Fatalf("StartDownload() error = %v", err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if last := rec.progress[len(rec.progress)-1]; last != [2]int64{8, 8} {
		t.Errorf("final progress = %v, want [8 8]", last)
	}
}

func TestEngine_Cancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	dir := t.TempDir()
	e := newTestEngine(protocol.NewHTTPClient())
	rec := newRecorder()

	h, err := e.StartDownload(context.Background(), transfer.Request{URL: server.URL, Dir: dir, FileName: "big.bin"}, rec)
	if err != nil {
		t.Fatalf("StartDownload() error = %v", err)
	}

	select {
	case <-rec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not start")
	}
	e.Cancel(h)

	calls := rec.wait(t)
	if want := []string{"start", "cancel"}; fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}

	e.Wait()
	if _, err := os.Stat(filepath.Join(dir, "big.bin.part")); !os.IsNotExist(err) {
		t.Error("part file should be removed after cancel")
	}
	if _, err := os.Stat(filepath.Join(dir, "big.bin")); !os.IsNotExist(err) {
		t.Error("destination should not exist after cancel")
	}

	e.Cancel(h)
	e.Cancel(transfer.Handle(999))
}

func TestEngine_CancelAll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	e := newTestEngine(protocol.NewHTTPClient())
	recs := []*recorder{newRecorder(), newRecorder()}
	for i, rec := range recs {
		req := transfer.Request{URL: server.URL, Dir: t.TempDir(), FileName: fmt.Sprintf("f%d", i)}
		if _, err := e.StartDownload(context.Background(), req, rec); err != nil {
			t.Fatalf("StartDownload() error = %v", err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	e.CancelAll()

	for _, rec := range recs {
		if calls := rec.wait(t); fmt.Sprint(calls) != "[cancel]" {
			t.Errorf("calls = %v, want [cancel]", calls)
		}
	}
}

func TestEngine_TLSFailure(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secret"))
	}))
	defer server.Close()

	e := newTestEngine(protocol.NewHTTPClient())
	rec := newRecorder()
	if _, err := e.StartDownload(context.Background(), transfer.Request{URL: server.URL, Dir: t.TempDir(), FileName: "x"}, rec); err != nil {
		t.Fatalf("StartDownload() error = %v", err)
	}

	calls := rec.wait(t)
	if fmt.Sprint(calls) != "[error]" {
		t.Fatalf("calls = %v, want [error]", calls)
	}
	if !errors.Is(rec.err, transfer.ErrTLSHandshake) {
		t.Errorf("error = %v, want ErrTLSHandshake", rec.err)
	}
}

func TestEngine_PlaintextOnHTTPS(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain"))
	}))
	defer server.Close()

	e := newTestEngine(protocol.NewHTTPClient(protocol.WithInsecureSkipVerify(true)))
	rec := newRecorder()
	url := "https://" + server.Listener.Addr().String()
	if _, err := e.StartDownload(context.Background(), transfer.Request{URL: url, Dir: t.TempDir(), FileName: "x"}, rec); err != nil {
		t.Fatalf("StartDownload() error = %v", err)
	}

	rec.wait(t)
	if !errors.Is(rec.err, transfer.ErrTLSHandshake) {
		t.Errorf("error = %v, want ErrTLSHandshake", rec.err)
	}
}

func TestEngine_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	e := newTestEngine(protocol.NewHTTPClient())
	rec := newRecorder()
	e.StartDownload(context.Background(), transfer.Request{URL: server.URL, Dir: t.TempDir(), FileName: "x"}, rec)

	rec.wait(t)
	var statusErr *protocol.StatusError
	if !errors.As(rec.err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Errorf("error = %v, want a 404 StatusError", rec.err)
	}
	if errors.Is(rec.err, transfer.ErrTLSHandshake) {
		t.Error("a 404 must not be classified as TLS")
	}
}

func TestEngine_Checksum(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer server.Close()

	tests := []struct {
		name     string
		checksum string
		want     string
	}{
		{"match", "sha256:" + helloSHA256, "complete"},
		{"bare hex", helloMD5, "complete"},
		{"mismatch", "md5:00000000000000000000000000000000", "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			e := newTestEngine(protocol.NewHTTPClient())
			rec := newRecorder()
			req := transfer.Request{URL: server.URL, Dir: dir, FileName: "hello.txt", Checksum: tt.checksum}
			if _, err := e.StartDownload(context.Background(), req, rec); err != nil {
				t.Fatalf("StartDownload() error = %v", err)
			}

			calls := rec.wait(t)
			if calls[len(calls)-1] != tt.want {
				t.Fatalf("calls = %v, want final %q", calls, tt.want)
			}
			e.Wait()

			exists := true
			if _, err := os.Stat(filepath.Join(dir, "hello.txt")); os.IsNotExist(err) {
				exists = false
			}
			if tt.want == "error" {
				if !errors.Is(rec.err, ErrChecksumMismatch) {
					t.Errorf("error = %v, want ErrChecksumMismatch", rec.err)
				}
				if exists {
					t.Error("file with a bad checksum should not be kept")
				}
			} else if !exists {
				t.Error("verified file should exist")
			}
		})
	}
}

func TestEngine_StartErrors(t *testing.T) {
	e := newTestEngine(protocol.NewHTTPClient())

	tests := []struct {
		name string
		req  transfer.Request
		is   error
	}{
		{"unsupported scheme", transfer.Request{URL: "gopher://example.com/x", FileName: "x"}, protocol.ErrUnsupportedScheme},
		{"bad checksum", transfer.Request{URL: "http://example.com/x", FileName: "x", Checksum: "crc32:00"}, nil},
		{"no file name", transfer.Request{URL: "http://example.com/x"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.StartDownload(context.Background(), tt.req, newRecorder())
			if err == nil {
				t.Fatal("StartDownload() should fail")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("error = %v, want %v", err, tt.is)
			}
		})
	}
	if e.Active() != 0 {
		t.Errorf("Active() = %d after refused starts, want 0", e.Active())
	}
}

func TestEngine_RateLimit(t *testing.T) {
	body := strings.Repeat("z", 96*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer server.Close()

	e := New(protocol.NewRegistry(protocol.NewHTTPClient()), Config{RateLimiter: NewRateLimiter(64 * 1024)})
	rec := newRecorder()

	start := time.Now()
	e.StartDownload(context.Background(), transfer.Request{URL: server.URL, Dir: t.TempDir(), FileName: "z"}, rec)
	if calls := rec.wait(t); calls[len(calls)-1] != "complete" {
		t.Fatalf("calls = %v, want complete", calls)
	}

	// 64KB of burst, then 32KB at 64KB/s.
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("rate-limited transfer took %v, want at least 300ms", elapsed)
	}
}
