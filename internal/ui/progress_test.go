package ui

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kilimcininkoroglu/kapi/internal/download"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func status(s download.Status, at time.Duration, cause string) download.Event {
	return download.Event{
		Kind:   download.EventStatus,
		Handle: "h1",
		URL:    "https://example.com/file.iso",
		Path:   "/data/file.iso",
		Status: s,
		Cause:  cause,
		Time:   t0.Add(at),
	}
}

func progress(percent float64, current, total int64, at time.Duration) download.Event {
	return download.Event{
		Kind:    download.EventProgress,
		Handle:  "h1",
		Path:    "/data/file.iso",
		Status:  download.StatusDownloading,
		Percent: percent,
		Current: current,
		Total:   total,
		Time:    t0.Add(at),
	}
}

func TestPrinter_Line(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, StyleLine, WithNoColor(true))

	p.Handle(status(download.StatusConnecting, 0, ""))
	p.Handle(status(download.StatusDownloading, time.Second, ""))
	for _, pct := range []float64{0, 10, 26, 30, 55, 100} {
		p.Handle(progress(pct, int64(pct)*1024, 100*1024, 2*time.Second))
	}
	p.Handle(status(download.StatusSuccess, 65*time.Second, ""))

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")

	// connecting, downloading, 0%, 26%, 55%, 100%, success
	if len(lines) != 7 {
		t.Fatalf("got %d lines, want 7:\n%s", len(lines), out)
	}
	if lines[0] != "… file.iso connecting" {
		t.Errorf("lines[0] = %q", lines[0])
	}
	if !strings.Contains(lines[3], " 26.0%") {
		t.Errorf("lines[3] = %q, want the 26%% step", lines[3])
	}
	if lines[6] != "✓ file.iso success in 01:05" {
		t.Errorf("lines[6] = %q", lines[6])
	}
}

func TestPrinter_FailureCause(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, StyleLine, WithNoColor(true))

	p.Handle(status(download.StatusConnecting, 0, ""))
	p.Handle(status(download.StatusTimeout, 15*time.Second, "watchdog expired"))

	if !strings.Contains(buf.String(), "✗ file.iso timeout in 00:15: watchdog expired") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestPrinter_Bar(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, StyleBar, WithNoColor(true), WithWidth(10))

	p.Handle(status(download.StatusConnecting, 0, ""))
	p.Handle(progress(50, 512*1024, 1024*1024, time.Second))

	out := buf.String()
	if !strings.Contains(out, "━━━━━───── ") || !strings.Contains(out, "50.0%") {
		t.Errorf("bar output = %q", out)
	}
	if !strings.Contains(out, "512 KiB/1.0 MiB") {
		t.Errorf("size output = %q", out)
	}
	if !strings.Contains(out, "512 KiB/s") {
		t.Errorf("speed output = %q", out)
	}

	buf.Reset()
	p.Handle(status(download.StatusCancel, 2*time.Second, "cancelled"))
	out = buf.String()
	if !strings.HasPrefix(out, clearLine) {
		t.Errorf("terminal line should clear the bar first: %q", out)
	}
	if !strings.HasSuffix(out, "○ file.iso cancel in 00:02: cancelled\n") {
		t.Errorf("output = %q", out)
	}
}

func TestPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, StyleJSON)

	p.Handle(status(download.StatusConnecting, 0, ""))
	p.Handle(progress(25, 25, 100, time.Second))
	p.Handle(status(download.StatusTLSFailure, 2*time.Second, "x509: unknown authority"))
	p.Summary(download.QueueStats{Total: 1, Failed: 1}, 2*time.Second)

	dec := json.NewDecoder(&buf)
	var got []map[string]any
	for dec.More() {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		got = append(got, m)
	}

	if len(got) != 4 {
		t.Fatalf("got %d objects, want 4", len(got))
	}
	if got[1]["type"] != "progress" || got[1]["percent"] != 25.0 {
		t.Errorf("progress object = %v", got[1])
	}
	if got[2]["status"] != "tls_failure" || got[2]["cause"] != "x509: unknown authority" {
		t.Errorf("terminal object = %v", got[2])
	}
	if got[3]["type"] != "summary" || got[3]["failed"] != 1.0 {
		t.Errorf("summary object = %v", got[3])
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		current, total int64
		want           string
	}{
		{0, 0, "0 B"},
		{1536, -1, "1.5 KiB"},
		{1024, 2048, "1.0 KiB/2.0 KiB"},
		{-5, 0, "0 B"},
	}

	for _, tt := range tests {
		if got := FormatSize(tt.current, tt.total); got != tt.want {
			t.Errorf("FormatSize(%d, %d) = %q, want %q", tt.current, tt.total, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{-time.Second, "00:00"},
		{1500 * time.Millisecond, "00:02"},
		{65 * time.Second, "01:05"},
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
