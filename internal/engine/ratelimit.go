package engine

import (
	"context"
	"io"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// minBurst keeps tiny limits from rejecting a single buffer-sized read.
const minBurst = 32 * 1024

// RateLimiter caps bandwidth in bytes per second. A nil *RateLimiter does
// not limit.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter returns nil when bytesPerSecond is not positive.
func NewRateLimiter(bytesPerSecond int64) *RateLimiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burstFor(bytesPerSecond)),
	}
}

func burstFor(bytesPerSecond int64) int {
	if bytesPerSecond < minBurst {
		return minBurst
	}
	return int(bytesPerSecond)
}

// Acquire waits until n bytes may pass.
func (rl *RateLimiter) Acquire(ctx context.Context, n int) error {
	if rl == nil {
		return nil
	}
	for n > 0 {
		step := min(n, rl.limiter.Burst())
		if err := rl.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// SetLimit changes the limit in place.
func (rl *RateLimiter) SetLimit(bytesPerSecond int64) {
	if rl == nil || bytesPerSecond <= 0 {
		return
	}
	rl.limiter.SetBurst(burstFor(bytesPerSecond))
	rl.limiter.SetLimit(rate.Limit(bytesPerSecond))
}

// Limit returns the current limit in bytes per second, or 0 when unlimited.
func (rl *RateLimiter) Limit() int64 {
	if rl == nil {
		return 0
	}
	return int64(rl.limiter.Limit())
}

// RateLimitedReader throttles reads through one or more limiters.
type RateLimitedReader struct {
	reader   io.Reader
	limiters []*RateLimiter
	ctx      context.Context
}

// NewRateLimitedReader wraps r. Nil limiters are skipped.
func NewRateLimitedReader(ctx context.Context, r io.Reader, limiters ...*RateLimiter) *RateLimitedReader {
	rr := &RateLimitedReader{reader: r, ctx: ctx}
	for _, l := range limiters {
		if l != nil {
			rr.limiters = append(rr.limiters, l)
		}
	}
	return rr
}

func (r *RateLimitedReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := r.reader.Read(p)
	if n > 0 {
		for _, l := range r.limiters {
			if limitErr := l.Acquire(r.ctx, n); limitErr != nil {
				return n, limitErr
			}
		}
	}
	return n, err
}

// PerHostRateLimiter hands out one limiter per host. Host patterns may use
// a leading "*." wildcard.
type PerHostRateLimiter struct {
	defaultLimit int64
	hostLimits   map[string]int64
	limiters     map[string]*RateLimiter
	mu           sync.Mutex
}

// NewPerHostRateLimiter creates a limiter set; defaultLimit 0 leaves
// unmatched hosts unlimited.
func NewPerHostRateLimiter(defaultLimit int64) *PerHostRateLimiter {
	return &PerHostRateLimiter{
		defaultLimit: defaultLimit,
		hostLimits:   make(map[string]int64),
		limiters:     make(map[string]*RateLimiter),
	}
}

// SetHostLimit sets the limit for a host or "*.domain" pattern.
func (p *PerHostRateLimiter) SetHostLimit(pattern string, bytesPerSecond int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pattern = strings.ToLower(pattern)
	p.hostLimits[pattern] = bytesPerSecond
	for host, l := range p.limiters {
		if matchHostPattern(pattern, host) {
			l.SetLimit(bytesPerSecond)
		}
	}
}

// ForURL returns the limiter for the host of rawURL, or nil.
func (p *PerHostRateLimiter) ForURL(rawURL string) *RateLimiter {
	if p == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return p.GetLimiter(u.Hostname())
}

// GetLimiter returns the shared limiter for host, creating it on first use.
func (p *PerHostRateLimiter) GetLimiter(host string) *RateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	host = strings.ToLower(host)
	if l, ok := p.limiters[host]; ok {
		return l
	}

	limit := p.defaultLimit
	if v, ok := p.hostLimits[host]; ok {
		limit = v
	} else {
		for pattern, v := range p.hostLimits {
			if matchHostPattern(pattern, host) {
				limit = v
				break
			}
		}
	}

	l := NewRateLimiter(limit)
	if l != nil {
		p.limiters[host] = l
	}
	return l
}

func matchHostPattern(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return false
}
