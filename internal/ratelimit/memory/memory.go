// Package memory is a single-process bucket store. Checks against one key
// are serialized by a per-bucket mutex, so it is atomic within a process but
// not shared between processes; use redisstore for that.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AlexKimmel/tollgate/internal/ratelimit"
)

const DefaultCleanupInterval = 5 * time.Minute

type bucket struct {
	mu        sync.Mutex
	state     ratelimit.BucketState
	expiresAt float64 // unix seconds, same clock as Args.Now
	removed   bool
}

type Store struct {
	now      func() time.Time
	interval time.Duration
	buckets  sync.Map // string -> *bucket
}

type Option func(*Store)

func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces the clock the janitor compares expiry against.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		interval: DefaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Evaluate(ctx context.Context, key string, args ratelimit.Args) (ratelimit.Decision, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Decision{}, fmt.Errorf("%w: %w", ratelimit.ErrStoreUnavailable, err)
	}

	ttl := args.TTL
	if ttl <= 0 {
		ttl = ratelimit.DefaultBucketTTL
	}

	for {
		v, _ := s.buckets.LoadOrStore(key, &bucket{})
		b := v.(*bucket)

		b.mu.Lock()
		if b.removed {
			// lost a race with the janitor; the key now maps to a new bucket
			b.mu.Unlock()
			continue
		}

		var prev *ratelimit.BucketState
		if b.expiresAt > 0 && args.Now <= b.expiresAt {
			prev = &b.state
		}

		next, d := ratelimit.Apply(prev, args)
		b.state = next
		b.expiresAt = args.Now + ttl.Seconds()
		b.mu.Unlock()

		return d, nil
	}
}

// Len reports how many buckets are held, expired or not.
func (s *Store) Len() int {
	n := 0
	s.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep drops every bucket whose TTL has passed and returns how many went.
func (s *Store) Sweep() int {
	now := ratelimit.UnixSeconds(s.now())
	removed := 0
	s.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if b.expiresAt > 0 && now > b.expiresAt {
			b.removed = true
			s.buckets.CompareAndDelete(k, v)
			removed++
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

// Run sweeps on the cleanup interval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Sweep()
		}
	}
}

func (s *Store) Close() error { return nil }
