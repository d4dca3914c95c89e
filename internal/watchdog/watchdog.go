// Package watchdog provides a restartable countdown that fires a callback
// when it runs out before being stopped.
package watchdog

import (
	"sync"
	"time"
)

// DefaultTick is the interval between tick notifications.
const DefaultTick = time.Second

// State is the lifecycle state of a Watchdog.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
	StateExpired
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Watchdog counts down from a fixed timeout. The expiry callback runs at
// most once per Start, on the watchdog goroutine.
type Watchdog struct {
	timeout  time.Duration
	tick     time.Duration
	onTick   func(remaining time.Duration)
	onExpire func()

	mu       sync.Mutex
	state    State
	deadline time.Time
	stop     chan struct{}
	run      uint64
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithTick sets the tick interval.
func WithTick(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.tick = d
		}
	}
}

// OnTick registers a callback invoked on every tick with the time left.
func OnTick(fn func(remaining time.Duration)) Option {
	return func(w *Watchdog) {
		w.onTick = fn
	}
}

// New creates an idle watchdog.
func New(timeout time.Duration, onExpire func(), opts ...Option) *Watchdog {
	w := &Watchdog{
		timeout:  timeout,
		tick:     DefaultTick,
		onExpire: onExpire,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start arms the countdown. It returns false if the watchdog is already
// running.
func (w *Watchdog) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateRunning {
		return false
	}

	w.state = StateRunning
	w.deadline = time.Now().Add(w.timeout)
	w.stop = make(chan struct{})
	w.run++

	go w.loop(w.run, w.stop)
	return true
}

// Stop disarms the countdown. It returns true only if the watchdog was
// running; calling it again, or after expiry, is a no-op.
func (w *Watchdog) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateRunning {
		return false
	}
	w.state = StateStopped
	close(w.stop)
	return true
}

// State returns the current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Remaining returns the time left while running, zero otherwise.
func (w *Watchdog) Remaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning {
		return 0
	}
	if left := time.Until(w.deadline); left > 0 {
		return left
	}
	return 0
}

// Timeout returns the configured countdown length.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

func (w *Watchdog) loop(run uint64, stop <-chan struct{}) {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if w.onTick != nil {
				if left := w.Remaining(); left > 0 {
					w.onTick(left)
				}
			}
		case <-timer.C:
			if w.expire(run) && w.onExpire != nil {
				w.onExpire()
			}
			return
		}
	}
}

// expire moves a still-running watchdog to Expired.
func (w *Watchdog) expire(run uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning || w.run != run {
		return false
	}
	w.state = StateExpired
	return true
}
