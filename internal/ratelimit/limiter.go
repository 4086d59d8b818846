// Package ratelimit provides token-bucket admission control for outbound
// calls to external systems.
package ratelimit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WaitCeiling is the wait above which Acquire logs a warning. The wait is
// still honoured; callers bound their list sizes instead.
const WaitCeiling = 10 * time.Second

// Config configures a Limiter.
type Config struct {
	// Rate is the sustained rate in tokens per second.
	Rate float64
	// Burst is the bucket capacity. Must be >= Rate.
	Burst int
}

// Observer receives limiter events. Implemented by the metrics package.
type Observer interface {
	ObserveWait(d time.Duration)
	ObserveRejected()
}

// Limiter is a token bucket. Tokens refill continuously at Rate up to
// Burst, recomputed lazily on each call under a single lock. It is safe
// for concurrent use.
type Limiter struct {
	lim      *rate.Limiter
	clock    Clock
	cfg      Config
	observer Observer
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the clock (tests use a fake).
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithObserver sets an event observer.
func WithObserver(o Observer) Option {
	return func(l *Limiter) { l.observer = o }
}

// New creates a Limiter. The bucket starts full.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.Rate <= 0 {
		return nil, eris.Errorf("ratelimit: rate must be > 0, got %v", cfg.Rate)
	}
	if float64(cfg.Burst) < cfg.Rate {
		return nil, eris.Errorf("ratelimit: burst %d must be >= rate %v", cfg.Burst, cfg.Rate)
	}
	l := &Limiter{
		lim:   rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		clock: SystemClock{},
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// TryAcquire consumes a token if one is available now. It never blocks.
func (l *Limiter) TryAcquire() bool {
	ok := l.lim.AllowN(l.clock.Now(), 1)
	if !ok && l.observer != nil {
		l.observer.ObserveRejected()
	}
	return ok
}

// Acquire waits until a token is available and consumes it. The token is
// reserved up front, so concurrent callers queue in arrival order. If ctx
// ends before the token is due the reservation is returned to the bucket.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := l.clock.Now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return eris.New("ratelimit: reservation exceeds burst")
	}

	wait := r.DelayFrom(now)
	if l.observer != nil {
		l.observer.ObserveWait(wait)
	}
	if wait <= 0 {
		return nil
	}
	if wait > WaitCeiling {
		zap.L().Warn("ratelimit: long wait for token",
			zap.Duration("wait", wait),
			zap.Float64("rate", l.cfg.Rate),
			zap.Int("burst", l.cfg.Burst),
		)
	}

	if err := l.clock.Sleep(ctx, wait); err != nil {
		r.CancelAt(l.clock.Now())
		return eris.Wrap(err, "ratelimit: acquire")
	}
	return nil
}

// Tokens reports the tokens available now.
func (l *Limiter) Tokens() float64 {
	return l.lim.TokensAt(l.clock.Now())
}
