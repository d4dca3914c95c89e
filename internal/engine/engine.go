// Package engine is a single-stream transfer engine: it resolves a fetcher
// for the URL scheme, streams the body into a part file and reports
// progress to a transfer.Listener.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilimcininkoroglu/kapi/internal/logging"
	"github.com/kilimcininkoroglu/kapi/internal/protocol"
	"github.com/kilimcininkoroglu/kapi/internal/storage"
	"github.com/kilimcininkoroglu/kapi/internal/transfer"
)

// Config holds engine settings.
type Config struct {
	BufferSize       int
	ProgressInterval time.Duration
	RateLimiter      *RateLimiter        // shared by every transfer
	HostLimits       *PerHostRateLimiter // optional per-host caps
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:       32 * 1024,
		ProgressInterval: 100 * time.Millisecond,
	}
}

// Engine implements transfer.Engine.
type Engine struct {
	registry *protocol.Registry
	config   Config
	logger   zerolog.Logger

	next atomic.Int64
	mu   sync.Mutex
	jobs map[transfer.Handle]context.CancelFunc
	wg   sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an engine over registry.
func New(registry *protocol.Registry, config Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = def.ProgressInterval
	}

	e := &Engine{
		registry: registry,
		config:   config,
		logger:   logging.Component("engine"),
		jobs:     make(map[transfer.Handle]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartDownload validates req and starts the transfer on its own goroutine.
// Listener events for the returned handle arrive from that goroutine.
func (e *Engine) StartDownload(ctx context.Context, req transfer.Request, l transfer.Listener) (transfer.Handle, error) {
	fetcher, err := e.registry.Resolve(req.URL)
	if err != nil {
		return 0, err
	}
	expected, err := ParseChecksumAuto(req.Checksum)
	if err != nil {
		return 0, fmt.Errorf("checksum: %w", err)
	}
	if req.FileName == "" {
		return 0, fmt.Errorf("empty file name")
	}

	h := transfer.Handle(e.next.Add(1))
	jobCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.jobs[h] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.finish(h)
		e.run(jobCtx, h, fetcher, req, expected, l)
	}()

	return h, nil
}

// Cancel stops the transfer for h. Unknown or finished handles are ignored.
func (e *Engine) Cancel(h transfer.Handle) {
	e.mu.Lock()
	cancel, ok := e.jobs[h]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll stops every running transfer.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.jobs))
	for _, c := range e.jobs {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

// Active returns the number of running transfers.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// Wait blocks until every started transfer has reported its final event.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) finish(h transfer.Handle) {
	e.mu.Lock()
	cancel := e.jobs[h]
	delete(e.jobs, h)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) run(ctx context.Context, h transfer.Handle, fetcher protocol.Fetcher, req transfer.Request, expected *Checksum, l transfer.Listener) {
	logger := e.logger.With().Int64("handle", int64(h)).Str("url", req.URL).Logger()
	path := filepath.Join(req.Dir, req.FileName)

	body, meta, err := fetcher.Open(ctx, req.URL)
	if err != nil {
		e.fail(ctx, logger, l, fmt.Errorf("opening %s: %w", req.URL, err))
		return
	}
	defer body.Close()

	l.OnStart()
	logger.Debug().Int64("size", meta.ContentLength).Str("protocol", meta.Protocol).Msg("Transfer started")

	writer, err := storage.NewFileWriter(path)
	if err != nil {
		e.fail(ctx, logger, l, err)
		return
	}
	defer writer.Abort()

	var sink io.Writer = writer
	var verifier *Verifier
	if expected != nil {
		verifier, err = NewVerifier(expected)
		if err != nil {
			e.fail(ctx, logger, l, err)
			return
		}
		sink = io.MultiWriter(writer, verifier)
	}

	reader := NewRateLimitedReader(ctx, body, e.config.RateLimiter, e.config.HostLimits.ForURL(req.URL))
	written, err := e.copy(sink, reader, meta.ContentLength, l)
	if err != nil {
		e.fail(ctx, logger, l, err)
		return
	}
	if meta.ContentLength > 0 && written < meta.ContentLength {
		e.fail(ctx, logger, l, fmt.Errorf("short body: %d of %d bytes: %w", written, meta.ContentLength, io.ErrUnexpectedEOF))
		return
	}

	if verifier != nil {
		if err := verifier.Verify(); err != nil {
			e.fail(ctx, logger, l, err)
			return
		}
	}
	if err := writer.Commit(); err != nil {
		e.fail(ctx, logger, l, err)
		return
	}

	logger.Debug().Int64("bytes", written).Str("path", path).Msg("Transfer complete")
	l.OnComplete()
}

// copy streams src into dst, reporting progress at most once per
// ProgressInterval plus once at the end.
func (e *Engine) copy(dst io.Writer, src io.Reader, total int64, l transfer.Listener) (int64, error) {
	buf := make([]byte, e.config.BufferSize)
	var written int64
	lastReport := time.Now()

	l.OnProgress(0, total)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("writing: %w", err)
			}
			written += int64(n)
			if time.Since(lastReport) >= e.config.ProgressInterval {
				l.OnProgress(written, total)
				lastReport = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, fmt.Errorf("reading: %w", readErr)
		}
	}

	if total <= 0 {
		total = written
	}
	l.OnProgress(written, total)
	return written, nil
}

// fail reports cancellation when ctx is done, otherwise an error with TLS
// failures tagged.
func (e *Engine) fail(ctx context.Context, logger zerolog.Logger, l transfer.Listener, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		logger.Debug().Msg("Transfer cancelled")
		l.OnCancel()
		return
	}
	if protocol.IsTLSError(err) {
		err = transfer.WrapTLS(err)
	}
	logger.Debug().Err(err).Msg("Transfer failed")
	l.OnError(err)
}
