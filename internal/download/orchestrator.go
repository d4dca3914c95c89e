package download

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kilimcininkoroglu/kapi/internal/logging"
	"github.com/kilimcininkoroglu/kapi/internal/netcheck"
	"github.com/kilimcininkoroglu/kapi/internal/transfer"
	"github.com/kilimcininkoroglu/kapi/internal/watchdog"
)

// ErrClosed is returned by Download after Shutdown.
var ErrClosed = errors.New("orchestrator is shut down")

const (
	DefaultConnectTimeout = 30 * time.Second
	MinConnectTimeout     = 15 * time.Second
	DefaultMaxRetries     = 3
)

// Connectivity confirms the network is usable before a transfer starts.
// *netcheck.Controller satisfies it.
type Connectivity interface {
	Check(ctx context.Context, opts netcheck.CheckOptions) (<-chan netcheck.Result, error)
	CancelAllPendingProbes()
}

// Config holds orchestrator defaults.
type Config struct {
	ConnectTimeout    time.Duration // used when a request leaves it zero
	MinConnectTimeout time.Duration // floor applied to every watchdog
	MaxRetries        int           // used when a request leaves it zero
	WatchdogTick      time.Duration
}

// DefaultConfig returns a 30s connect timeout with a 15s floor and three
// probe attempts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    DefaultConnectTimeout,
		MinConnectTimeout: MinConnectTimeout,
		MaxRetries:        DefaultMaxRetries,
		WatchdogTick:      watchdog.DefaultTick,
	}
}

// Orchestrator drives downloads through connectivity check, transfer and
// watchdog, and publishes their events.
type Orchestrator struct {
	cfg    Config
	net    Connectivity
	engine transfer.Engine
	logger zerolog.Logger
	events *dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[Handle]*task
	closed bool

	active sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator. Zero config fields take their defaults.
func New(net Connectivity, engine transfer.Engine, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MinConnectTimeout <= 0 {
		cfg.MinConnectTimeout = def.MinConnectTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.WatchdogTick <= 0 {
		cfg.WatchdogTick = def.WatchdogTick
	}

	o := &Orchestrator{
		cfg:    cfg,
		net:    net,
		engine: engine,
		logger: logging.Component("orchestrator"),
		events: newDispatcher(),
		tasks:  make(map[Handle]*task),
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Subscribe returns a channel carrying every event published after the
// call. The channel is closed on Shutdown; the returned function stops
// delivery early.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	return o.events.subscribe(buffer)
}

// OnEvent registers a handler run for every event on the delivery
// goroutine. Handlers must not block or call Shutdown.
func (o *Orchestrator) OnEvent(fn func(Event)) {
	o.events.handle(fn)
}

// Download starts a task and returns its handle without blocking. A
// Connecting event is always the first event of the task. The only errors
// are an invalid request, a debounced connectivity check and a shut down
// orchestrator; in those cases no task is created.
func (o *Orchestrator) Download(req Request) (Handle, error) {
	if req.ConnectTimeout == 0 {
		req.ConnectTimeout = o.cfg.ConnectTimeout
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = o.cfg.MaxRetries
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}

	probeCtx, probeCancel := context.WithCancel(o.ctx)
	results, err := o.net.Check(probeCtx, netcheck.CheckOptions{
		Timeout:    req.ProbeTimeout,
		MaxRetries: req.MaxRetries,
		Debounce:   req.Debounce,
	})
	if err != nil {
		o.mu.Unlock()
		probeCancel()
		return "", err
	}

	t := newTask(Handle(uuid.NewString()), req)
	t.probeCancel = probeCancel
	o.tasks[t.handle] = t
	o.active.Add(1)
	o.mu.Unlock()

	t.mu.Lock()
	o.advanceLocked(t, StatusConnecting, "")
	t.mu.Unlock()

	go o.awaitConnectivity(t, results, probeCancel)
	return t.handle, nil
}

// Cancel asks the task to stop. A task still confirming connectivity
// abandons its check; a running transfer is cancelled in the engine. The
// resulting status follows from the state the task was in. Unknown and
// finished handles are ignored.
func (o *Orchestrator) Cancel(h Handle) {
	o.mu.Lock()
	t, ok := o.tasks[h]
	o.mu.Unlock()
	if !ok {
		return
	}

	if eh, ok := o.requestCancel(t); ok {
		o.engine.Cancel(eh)
	}
}

// CancelAll cancels every live task and everything the engine is running.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	tasks := make([]*task, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	for _, t := range tasks {
		o.requestCancel(t)
	}
	o.engine.CancelAll()
}

// CancelAllPendingProbes abandons every connectivity check in flight,
// including those of other users of the same Connectivity.
func (o *Orchestrator) CancelAllPendingProbes() {
	o.net.CancelAllPendingProbes()
}

// Status returns the current status of a live task.
func (o *Orchestrator) Status(h Handle) (Status, bool) {
	o.mu.Lock()
	t, ok := o.tasks[h]
	o.mu.Unlock()
	if !ok {
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, true
}

// Active returns the number of tasks that have not reached a terminal status.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// Shutdown refuses new downloads, cancels the live ones and waits for them
// to report a terminal status or for ctx to end. Subscriber channels are
// closed once the remaining events are delivered.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	already := o.closed
	o.closed = true
	o.mu.Unlock()

	if !already {
		o.CancelAll()
		o.CancelAllPendingProbes()
	}

	done := make(chan struct{})
	go func() {
		o.active.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	o.cancel()
	o.events.close()
	return err
}

// awaitConnectivity waits for the check result and either finishes the
// task or hands it to the engine.
func (o *Orchestrator) awaitConnectivity(t *task, results <-chan netcheck.Result, probeCancel context.CancelFunc) {
	res, ok := <-results
	probeCancel()

	t.mu.Lock()
	t.probeCancel = nil
	if !ok {
		res = netcheck.Result{Outcome: netcheck.OutcomeTimeout}
	}

	if !res.OK() {
		status := StatusTimeout
		if res.Outcome == netcheck.OutcomeTLSFailure {
			status = StatusTLSFailure
		}
		o.logger.Info().
			Str("handle", string(t.handle)).
			Stringer("outcome", res.Outcome).
			Int("attempts", res.Attempts).
			Msg("connectivity check failed")
		cause := "probe: " + res.Outcome.String()
		if t.cancelRequested {
			cause = "cancelled during connectivity check"
		}
		o.advanceLocked(t, status, cause)
		t.mu.Unlock()
		return
	}

	if t.cancelRequested {
		o.advanceLocked(t, StatusTimeout, "cancelled before transfer start")
		t.mu.Unlock()
		return
	}

	timeout := t.req.ConnectTimeout
	if timeout < o.cfg.MinConnectTimeout {
		timeout = o.cfg.MinConnectTimeout
	}
	t.watchdog = watchdog.New(timeout, func() { o.onWatchdogExpired(t) },
		watchdog.WithTick(o.cfg.WatchdogTick),
		watchdog.OnTick(func(remaining time.Duration) {
			o.logger.Trace().
				Str("handle", string(t.handle)).
				Dur("remaining", remaining).
				Msg("waiting for transfer to start")
		}),
	)
	t.watchdog.Start()
	t.mu.Unlock()

	o.startTransfer(t)
}

func (o *Orchestrator) startTransfer(t *task) {
	req := transfer.Request{
		URL:      t.req.URL,
		Dir:      t.req.Dir,
		FileName: t.req.FileName,
		Checksum: t.req.Checksum,
	}

	eh, err := o.callEngine(req, taskListener{o: o, t: t})

	t.mu.Lock()
	if err != nil {
		status := StatusTimeout
		if errors.Is(err, transfer.ErrTLSHandshake) {
			status = StatusTLSFailure
		}
		o.logger.Warn().Err(err).Str("handle", string(t.handle)).Msg("transfer engine refused download")
		o.advanceLocked(t, status, err.Error())
		t.mu.Unlock()
		return
	}

	t.engineHandle = eh
	t.engineStarted = true
	pending := !t.status.IsTerminal() && (t.cancelRequested || t.watchdogFired)
	t.mu.Unlock()

	if pending {
		o.engine.Cancel(eh)
	}
}

// callEngine starts the transfer, converting a panic into an error.
func (o *Orchestrator) callEngine(req transfer.Request, l transfer.Listener) (h transfer.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("transfer engine panicked")
			err = fmt.Errorf("transfer engine panic: %v", r)
		}
	}()
	return o.engine.StartDownload(o.ctx, req, l)
}

func (o *Orchestrator) onWatchdogExpired(t *task) {
	t.mu.Lock()
	if t.status != StatusConnecting || t.watchdogFired {
		t.mu.Unlock()
		return
	}
	t.watchdogFired = true
	started, eh := t.engineStarted, t.engineHandle
	timeout := t.watchdog.Timeout()
	t.mu.Unlock()

	o.logger.Warn().
		Str("handle", string(t.handle)).
		Str("url", t.req.URL).
		Dur("timeout", timeout).
		Msg("transfer did not start in time, cancelling")

	if started {
		o.engine.Cancel(eh)
	}
}

// requestCancel records a cancel and returns the engine handle to cancel,
// if the transfer has been started.
func (o *Orchestrator) requestCancel(t *task) (transfer.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsTerminal() {
		return 0, false
	}
	t.cancelRequested = true
	if t.probeCancel != nil {
		t.probeCancel()
	}
	return t.engineHandle, t.engineStarted
}

func (o *Orchestrator) onStart(t *task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Once the watchdog has given up, a late start must not turn the
	// pending cancel into a user cancel.
	if t.watchdogFired {
		return
	}
	if t.watchdog != nil {
		t.watchdog.Stop()
	}
	o.advanceLocked(t, StatusDownloading, "")
}

func (o *Orchestrator) onProgress(t *task, current, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusDownloading {
		return
	}
	p := Percent(current, total)
	if p < t.lastPercent {
		return
	}
	t.lastPercent = p

	e := t.event(EventProgress)
	e.Percent = p
	e.Current = current
	e.Total = total
	o.events.publish(e)
}

func (o *Orchestrator) onComplete(t *task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == StatusDownloading && t.lastPercent < 100 {
		e := t.event(EventProgress)
		e.Percent = 100
		o.events.publish(e)
		t.lastPercent = 100
	}
	o.advanceLocked(t, StatusSuccess, "")
}

func (o *Orchestrator) onError(t *task, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := StatusTimeout
	if errors.Is(err, transfer.ErrTLSHandshake) {
		status = StatusTLSFailure
	}
	cause := "transfer error"
	if err != nil {
		cause = err.Error()
	}
	o.advanceLocked(t, status, cause)
}

func (o *Orchestrator) onCancel(t *task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.status {
	case StatusConnecting:
		cause := "cancelled before transfer start"
		if t.watchdogFired {
			cause = "watchdog expired"
		}
		o.advanceLocked(t, StatusTimeout, cause)
	case StatusDownloading:
		o.advanceLocked(t, StatusCancel, "cancelled")
	}
}

// advanceLocked moves t to next and publishes the change. Backward moves
// and anything after a terminal status are dropped. t.mu must be held.
func (o *Orchestrator) advanceLocked(t *task, next Status, cause string) bool {
	if !t.status.canAdvance(next) {
		return false
	}
	t.status = next

	e := t.event(EventStatus)
	e.Cause = cause
	o.events.publish(e)

	log := o.logger.Info()
	if next == StatusTimeout || next == StatusTLSFailure {
		log = o.logger.Warn()
	}
	log.Str("handle", string(t.handle)).
		Str("path", e.Path).
		Str("status", string(next)).
		Str("cause", cause).
		Msg("download status changed")

	if next.IsTerminal() {
		if t.watchdog != nil {
			t.watchdog.Stop()
		}
		if t.probeCancel != nil {
			t.probeCancel()
		}
		o.mu.Lock()
		delete(o.tasks, t.handle)
		o.mu.Unlock()
		o.active.Done()
	}
	return true
}
