package netcheck

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kilimcininkoroglu/kapi/internal/logging"
)

// ErrDebounced is returned by Check when a debounced call arrives too soon
// after the previous accepted one. No probe runs and no result is delivered.
var ErrDebounced = errors.New("connectivity check debounced")

// MinProbeTimeout is the smallest per-attempt timeout the controller accepts.
const MinProbeTimeout = 100 * time.Millisecond

// ControllerConfig holds the shared limits of a Controller.
type ControllerConfig struct {
	Capacity         int64         // concurrent checks admitted
	DebounceInterval time.Duration // minimum gap between debounced checks
	ProbeTimeout     time.Duration // default per-attempt timeout
	Backoff          BackoffConfig
}

// DefaultControllerConfig returns capacity 3, 300ms debounce, 1500ms probes.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Capacity:         3,
		DebounceInterval: 300 * time.Millisecond,
		ProbeTimeout:     DefaultProbeTimeout,
		Backoff:          DefaultBackoffConfig(),
	}
}

// CheckOptions are per-call settings.
type CheckOptions struct {
	Timeout    time.Duration // per-attempt timeout, zero uses the config default
	MaxRetries int           // total attempts when greater than one
	Debounce   bool
}

// Result is delivered once per accepted check.
type Result struct {
	Outcome  Outcome
	Attempts int
	Elapsed  time.Duration
}

// OK reports whether connectivity was confirmed.
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

// Controller runs probes with retries, bounded concurrency and a debounce
// gate. One Controller is meant to be shared by the whole process.
type Controller struct {
	cfg      ControllerConfig
	prober   Prober
	sem      *semaphore.Weighted
	debounce *rate.Limiter
	logger   zerolog.Logger

	mu     sync.Mutex
	gen    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	inFlight atomic.Int64
	probes   atomic.Int64
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger.
func WithControllerLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a controller around prober.
func NewController(prober Prober, cfg ControllerConfig, opts ...ControllerOption) *Controller {
	def := DefaultControllerConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = def.Backoff
	}

	limit := rate.Inf
	if cfg.DebounceInterval > 0 {
		limit = rate.Every(cfg.DebounceInterval)
	}

	c := &Controller{
		cfg:      cfg,
		prober:   prober,
		sem:      semaphore.NewWeighted(cfg.Capacity),
		debounce: rate.NewLimiter(limit, 1),
		logger:   logging.Component("netcheck"),
	}
	c.gen, c.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Check starts a connectivity check and returns immediately. The returned
// channel receives exactly one Result and is then closed. Cancelling ctx
// abandons the check, which then reports OutcomeTimeout.
func (c *Controller) Check(ctx context.Context, opts CheckOptions) (<-chan Result, error) {
	if opts.Debounce && !c.debounce.Allow() {
		c.logger.Debug().Msg("connectivity check debounced")
		return nil, ErrDebounced
	}

	if opts.Timeout <= 0 {
		opts.Timeout = c.cfg.ProbeTimeout
	}
	if opts.Timeout < MinProbeTimeout {
		opts.Timeout = MinProbeTimeout
	}

	runCtx, stop := c.join(ctx)
	out := make(chan Result, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		defer stop()
		out <- c.run(runCtx, opts)
	}()

	return out, nil
}

// CheckConnectivity is the callback form of Check: exactly one of onSuccess
// or onFailure runs, on a separate goroutine, unless the call is debounced.
// It reports whether the check was accepted.
func (c *Controller) CheckConnectivity(ctx context.Context, opts CheckOptions, onSuccess func(), onFailure func(Outcome)) bool {
	results, err := c.Check(ctx, opts)
	if err != nil {
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := <-results
		if res.OK() {
			if onSuccess != nil {
				onSuccess()
			}
			return
		}
		if onFailure != nil {
			onFailure(res.Outcome)
		}
	}()
	return true
}

// CancelAllPendingProbes abandons every check started so far. Their permits
// are released as each one unwinds; later checks are unaffected.
func (c *Controller) CancelAllPendingProbes() {
	c.mu.Lock()
	cancel := c.cancel
	c.gen, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	cancel()
	c.logger.Debug().Msg("cancelled pending connectivity checks")
}

// InFlight returns the number of checks currently holding a permit.
func (c *Controller) InFlight() int64 {
	return c.inFlight.Load()
}

// ProbeCount returns the number of probe attempts made so far.
func (c *Controller) ProbeCount() int64 {
	return c.probes.Load()
}

// Wait blocks until every started check has delivered its result.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// join derives a context cancelled by either ctx or the current generation.
func (c *Controller) join(ctx context.Context) (context.Context, func()) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(gen, cancel)
	return runCtx, func() {
		stopAfter()
		cancel()
	}
}

func (c *Controller) run(ctx context.Context, opts CheckOptions) Result {
	start := time.Now()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.logger.Debug().Err(err).Msg("connectivity check abandoned before admission")
		return Result{Outcome: OutcomeTimeout, Elapsed: time.Since(start)}
	}
	defer c.sem.Release(1)

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	attempts := 1
	if opts.MaxRetries > 1 {
		attempts = opts.MaxRetries
	}

	var res Result
	for attempt := 0; attempt < attempts; attempt++ {
		res.Attempts = attempt + 1
		res.Outcome = c.probeOnce(ctx, opts.Timeout)

		c.logger.Debug().
			Int("attempt", res.Attempts).
			Int("max_attempts", attempts).
			Stringer("outcome", res.Outcome).
			Msg("probe finished")

		if res.Outcome == OutcomeSuccess || !res.Outcome.Retryable() {
			break
		}
		if attempt == attempts-1 {
			break
		}

		delay := c.cfg.Backoff.Delay(attempt)
		if err := sleepContext(ctx, delay); err != nil {
			break
		}
	}

	res.Elapsed = time.Since(start)
	return res
}

// probeOnce runs a single probe. A panicking prober is logged and counted as
// a timeout so the caller still gets exactly one result.
func (c *Controller) probeOnce(ctx context.Context, timeout time.Duration) (outcome Outcome) {
	if ctx.Err() != nil {
		return OutcomeTimeout
	}
	c.probes.Add(1)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("prober panicked")
			outcome = OutcomeTimeout
		}
	}()

	return c.prober.Probe(ctx, timeout)
}
