package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultStoreTimeout bounds a single store round-trip.
const DefaultStoreTimeout = 100 * time.Millisecond

// Observer is told about every store round-trip the engine makes.
type Observer interface {
	ObserveCheck(d time.Duration, err error)
}

// Engine runs token bucket checks against a Store. It holds no bucket state
// of its own and is safe for concurrent use.
type Engine struct {
	store    Store
	ttl      time.Duration
	timeout  time.Duration
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL sets the inactivity window after which the store forgets a bucket.
func WithTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ttl = d
		}
	}
}

// WithTimeout bounds each store call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.timeout = d
		}
	}
}

// WithObserver reports every store round-trip to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// NewEngine returns an engine over store using DefaultBucketTTL and
// DefaultStoreTimeout unless options say otherwise.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		ttl:     DefaultBucketTTL,
		timeout: DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check consumes cost tokens from the bucket at key if enough are available
// at now. Rejection is reported in the Decision, not as an error. The only
// error besides ErrInvalidArgument is ErrStoreUnavailable.
func (e *Engine) Check(ctx context.Context, key string, maxTokens int, refillRatePerSecond float64, cost int, now time.Time) (Decision, error) {
	switch {
	case key == "":
		return Decision{}, fmt.Errorf("%w: empty key", ErrInvalidArgument)
	case maxTokens <= 0:
		return Decision{}, fmt.Errorf("%w: max tokens %d", ErrInvalidArgument, maxTokens)
	case refillRatePerSecond <= 0:
		return Decision{}, fmt.Errorf("%w: refill rate %g", ErrInvalidArgument, refillRatePerSecond)
	case cost <= 0:
		return Decision{}, fmt.Errorf("%w: cost %d", ErrInvalidArgument, cost)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	d, err := e.store.Evaluate(ctx, key, Args{
		MaxTokens:           maxTokens,
		RefillRatePerSecond: refillRatePerSecond,
		Cost:                cost,
		Now:                 UnixSeconds(now),
		TTL:                 e.ttl,
	})
	if err != nil && !errors.Is(err, ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if e.observer != nil {
		e.observer.ObserveCheck(time.Since(start), err)
	}
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

// CheckPolicy is Check with the bucket shape taken from p and the default cost.
func (e *Engine) CheckPolicy(ctx context.Context, key string, p Policy, now time.Time) (Decision, error) {
	return e.Check(ctx, key, p.MaxTokens, p.RefillRatePerSecond, DefaultCost, now)
}
