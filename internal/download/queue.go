package download

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kilimcininkoroglu/kapi/internal/protocol"
)

// QueueItem is one entry of a batch.
type QueueItem struct {
	ID         int
	URL        string
	OutputPath string
	Checksum   string
	Handle     Handle
	Status     Status // empty while pending
	Cause      string
	Percent    float64
	StartTime  time.Time
	EndTime    time.Time
}

// Pending reports whether the item has not been submitted yet.
func (i *QueueItem) Pending() bool {
	return i.Status == ""
}

// QueueStats summarizes a queue.
type QueueStats struct {
	Total      int
	Pending    int
	Active     int
	Succeeded  int
	Failed     int
	Cancelled  int
	TLSFailure int
}

// Queue is an ordered batch of downloads run through an Orchestrator with
// bounded concurrency.
type Queue struct {
	items     []*QueueItem
	outputDir string
	mu        sync.RWMutex
}

// NewQueue creates an empty queue writing relative outputs under outputDir.
func NewQueue(outputDir string) *Queue {
	return &Queue{outputDir: outputDir}
}

// Add queues a URL with a file name derived from it.
func (q *Queue) Add(rawURL string) error {
	return q.AddWithOptions(rawURL, "", "")
}

// AddWithOptions queues a URL with an optional output path and checksum.
// Lines starting with # are ignored.
func (q *Queue) AddWithOptions(rawURL, outputPath, checksum string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	if strings.HasPrefix(rawURL, "#") {
		return nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid URL: missing scheme or host")
	}

	if outputPath == "" {
		outputPath = protocol.FilenameFromURL(rawURL)
	}
	if !filepath.IsAbs(outputPath) && q.outputDir != "" {
		outputPath = filepath.Join(q.outputDir, outputPath)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, &QueueItem{
		ID:         len(q.items),
		URL:        rawURL,
		OutputPath: outputPath,
		Checksum:   checksum,
	})
	return nil
}

// LoadFromFile reads one download per line, either "URL [OUTPUT] [CHECKSUM]"
// or "URL|OUTPUT|CHECKSUM". Blank lines and # comments are skipped.
func (q *Queue) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var parts []string
		if strings.Contains(line, "|") {
			for _, p := range strings.Split(line, "|") {
				parts = append(parts, strings.TrimSpace(p))
			}
		} else {
			parts = strings.Fields(line)
		}
		for len(parts) < 3 {
			parts = append(parts, "")
		}

		if err := q.AddWithOptions(parts[0], parts[1], parts[2]); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	return nil
}

// Items returns a snapshot of the queue items.
func (q *Queue) Items() []QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	items := make([]QueueItem, len(q.items))
	for i, item := range q.items {
		items[i] = *item
	}
	return items
}

// Count returns the number of items.
func (q *Queue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Stats returns counts by status.
func (q *Queue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := QueueStats{Total: len(q.items)}
	for _, item := range q.items {
		switch item.Status {
		case "":
			stats.Pending++
		case StatusConnecting, StatusDownloading:
			stats.Active++
		case StatusSuccess:
			stats.Succeeded++
		case StatusCancel:
			stats.Cancelled++
		case StatusTLSFailure:
			stats.TLSFailure++
			stats.Failed++
		default:
			stats.Failed++
		}
	}
	return stats
}

// IsComplete reports whether every item reached a terminal status.
func (q *Queue) IsComplete() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, item := range q.items {
		if !item.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Run submits pending items to o, keeping at most concurrency in flight,
// and returns once every submitted item has finished. Cancelling ctx stops
// submission and cancels the items in flight. template supplies timeouts
// and retries for every item.
func (q *Queue) Run(ctx context.Context, o *Orchestrator, concurrency int, template Request) error {
	if concurrency < 1 {
		concurrency = 1
	}

	events, unsubscribe := o.Subscribe(64)
	defer unsubscribe()

	q.mu.RLock()
	var pending []*QueueItem
	for _, item := range q.items {
		if item.Pending() {
			pending = append(pending, item)
		}
	}
	q.mu.RUnlock()

	inFlight := make(map[Handle]*QueueItem)
	done := ctx.Done()
	next := 0

	for {
		for len(inFlight) < concurrency && next < len(pending) && ctx.Err() == nil {
			item := pending[next]
			next++
			q.submit(o, item, template, inFlight)
		}
		if len(inFlight) == 0 {
			return ctx.Err()
		}

		select {
		case e, ok := <-events:
			if !ok {
				return ErrClosed
			}
			item, tracked := inFlight[e.Handle]
			if !tracked {
				continue
			}
			q.apply(item, e)
			if e.Terminal() {
				delete(inFlight, e.Handle)
			}
		case <-done:
			for h := range inFlight {
				o.Cancel(h)
			}
			done = nil
		}
	}
}

func (q *Queue) submit(o *Orchestrator, item *QueueItem, template Request, inFlight map[Handle]*QueueItem) {
	req := template
	req.URL = item.URL
	req.Dir = filepath.Dir(item.OutputPath)
	req.FileName = filepath.Base(item.OutputPath)
	req.Checksum = item.Checksum
	req.Debounce = false
	req.Tag = item.ID

	h, err := o.Download(req)

	q.mu.Lock()
	defer q.mu.Unlock()
	item.StartTime = time.Now()
	if err != nil {
		item.Status = StatusTimeout
		item.Cause = err.Error()
		item.EndTime = item.StartTime
		return
	}
	item.Handle = h
	item.Status = StatusConnecting
	inFlight[h] = item
}

func (q *Queue) apply(item *QueueItem, e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch e.Kind {
	case EventProgress:
		item.Percent = e.Percent
	case EventStatus:
		item.Status = e.Status
		if e.Terminal() {
			item.Cause = e.Cause
			item.EndTime = e.Time
		}
	}
}
