// Package ui renders the orchestrator event stream to a terminal or a
// JSON-lines consumer.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kilimcininkoroglu/kapi/internal/download"
)

// Style selects how events are printed.
type Style string

const (
	StyleBar  Style = "bar"  // redrawn progress line per active task
	StyleLine Style = "line" // plain log-style lines
	StyleJSON Style = "json" // one JSON object per event
)

// ANSI codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	clearLine   = "\r\033[2K"
)

// Printer renders events. It is safe for concurrent use, though events are
// normally fed from a single subscriber.
type Printer struct {
	out     io.Writer
	style   Style
	width   int
	noColor bool

	mu    sync.Mutex
	tasks map[download.Handle]*taskView
	dirty bool // a bar line is on screen without a trailing newline
}

type taskView struct {
	name     string
	started  time.Time
	lastStep int // last 25% step printed in line style
}

// PrinterOption configures a Printer.
type PrinterOption func(*Printer)

// WithWidth sets the bar width.
func WithWidth(width int) PrinterOption {
	return func(p *Printer) {
		p.width = width
	}
}

// WithNoColor disables ANSI colors.
func WithNoColor(noColor bool) PrinterOption {
	return func(p *Printer) {
		p.noColor = noColor
	}
}

// NewPrinter creates a printer writing to out.
func NewPrinter(out io.Writer, style Style, opts ...PrinterOption) *Printer {
	p := &Printer{
		out:   out,
		style: style,
		width: 30,
		tasks: make(map[download.Handle]*taskView),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle renders one event.
func (p *Printer) Handle(e download.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.style == StyleJSON {
		p.writeJSON(e)
		return
	}

	view := p.view(e)
	switch {
	case e.Kind == download.EventProgress:
		p.progress(view, e)
	case e.Terminal():
		p.finish(view, e)
		delete(p.tasks, e.Handle)
	default:
		p.println(fmt.Sprintf("%s %s %s", p.statusIcon(e.Status), p.color(colorBold, view.name), e.Status))
	}
}

func (p *Printer) view(e download.Event) *taskView {
	v, ok := p.tasks[e.Handle]
	if !ok {
		name := filepath.Base(e.Path)
		if e.Path == "" {
			name = e.URL
		}
		v = &taskView{name: name, started: e.Time, lastStep: -1}
		p.tasks[e.Handle] = v
	}
	return v
}

func (p *Printer) progress(v *taskView, e download.Event) {
	switch p.style {
	case StyleLine:
		step := int(e.Percent) / 25
		if step <= v.lastStep {
			return
		}
		v.lastStep = step
		p.println(fmt.Sprintf("  %s %5.1f%% %s", v.name, e.Percent, FormatSize(e.Current, e.Total)))
	default:
		speed := ""
		if elapsed := e.Time.Sub(v.started); elapsed > 0 && e.Current > 0 {
			speed = "  " + humanize.IBytes(uint64(float64(e.Current)/elapsed.Seconds())) + "/s"
		}
		fmt.Fprintf(p.out, "%s%s %s %s%s", clearLine, v.name, p.renderBar(e.Percent), FormatSize(e.Current, e.Total), speed)
		p.dirty = true
	}
}

func (p *Printer) finish(v *taskView, e download.Event) {
	line := fmt.Sprintf("%s %s %s", p.statusIcon(e.Status), p.color(colorBold, v.name), p.color(statusColor(e.Status), string(e.Status)))
	if d := e.Time.Sub(v.started); d > 0 {
		line += " in " + FormatDuration(d)
	}
	if e.Cause != "" && e.Status != download.StatusSuccess {
		line += ": " + e.Cause
	}
	p.println(line)
}

func (p *Printer) println(line string) {
	if p.dirty {
		fmt.Fprint(p.out, clearLine)
		p.dirty = false
	}
	fmt.Fprintln(p.out, line)
}

type jsonEvent struct {
	Handle  download.Handle `json:"handle"`
	Type    string          `json:"type"`
	Status  download.Status `json:"status"`
	URL     string          `json:"url,omitempty"`
	Path    string          `json:"path,omitempty"`
	Percent float64         `json:"percent"`
	Current int64           `json:"current,omitempty"`
	Total   int64           `json:"total,omitempty"`
	Cause   string          `json:"cause,omitempty"`
	Time    time.Time       `json:"time"`
}

func (p *Printer) writeJSON(e download.Event) {
	kind := "status"
	if e.Kind == download.EventProgress {
		kind = "progress"
	}
	json.NewEncoder(p.out).Encode(jsonEvent{
		Handle:  e.Handle,
		Type:    kind,
		Status:  e.Status,
		URL:     e.URL,
		Path:    e.Path,
		Percent: e.Percent,
		Current: e.Current,
		Total:   e.Total,
		Cause:   e.Cause,
		Time:    e.Time,
	})
}

// Summary prints batch totals.
func (p *Printer) Summary(stats download.QueueStats, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.style == StyleJSON {
		json.NewEncoder(p.out).Encode(map[string]any{
			"type":      "summary",
			"total":     stats.Total,
			"succeeded": stats.Succeeded,
			"failed":    stats.Failed,
			"cancelled": stats.Cancelled,
			"pending":   stats.Pending,
			"elapsed":   elapsed.Seconds(),
		})
		return
	}
	p.println(fmt.Sprintf("%d/%d succeeded, %d failed, %d cancelled, %d not started (%s)",
		stats.Succeeded, stats.Total, stats.Failed, stats.Cancelled, stats.Pending, FormatDuration(elapsed)))
}

func (p *Printer) renderBar(percent float64) string {
	percent = max(0, min(percent, 100))
	filled := int(float64(p.width) * percent / 100)
	bar := strings.Repeat("━", filled) + strings.Repeat("─", p.width-filled)
	return p.color(colorGreen, bar) + fmt.Sprintf(" %5.1f%%", percent)
}

func (p *Printer) statusIcon(s download.Status) string {
	switch s {
	case download.StatusSuccess:
		return p.color(colorGreen, "✓")
	case download.StatusCancel:
		return p.color(colorYellow, "○")
	case download.StatusTimeout, download.StatusTLSFailure:
		return p.color(colorRed, "✗")
	case download.StatusDownloading:
		return p.color(colorCyan, "↓")
	default:
		return p.color(colorCyan, "…")
	}
}

func statusColor(s download.Status) string {
	switch s {
	case download.StatusSuccess:
		return colorGreen
	case download.StatusCancel:
		return colorYellow
	default:
		return colorRed
	}
}

func (p *Printer) color(code, text string) string {
	if p.noColor {
		return text
	}
	return code + text + colorReset
}

// FormatSize renders "current/total", or just current when the total is
// unknown.
func FormatSize(current, total int64) string {
	if total <= 0 {
		return humanize.IBytes(uint64(max(current, 0)))
	}
	return humanize.IBytes(uint64(max(current, 0))) + "/" + humanize.IBytes(uint64(total))
}

// FormatDuration renders mm:ss, or hh:mm:ss past an hour.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "00:00"
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
