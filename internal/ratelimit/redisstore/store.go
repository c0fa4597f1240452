package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/tollgate/internal/ratelimit"
)

// DefaultKeyPrefix namespaces bucket keys when no prefix is configured.
const DefaultKeyPrefix = "tollgate:"

var script = redis.NewScript(ratelimit.Script)

// Store runs the token bucket script on a Redis server shared by every
// gateway process.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces bucket keys. An empty prefix is allowed.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New wraps rdb. Keys are prefixed with DefaultKeyPrefix unless
// WithKeyPrefix says otherwise.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Evaluate(ctx context.Context, key string, args ratelimit.Args) (ratelimit.Decision, error) {
	res, err := script.Run(ctx, s.rdb, []string{s.prefix + key}, ratelimit.ScriptArgs(args)...).Result()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("%w: eval %s: %w", ratelimit.ErrStoreUnavailable, key, err)
	}
	d, err := parseReply(res)
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("%w: %w", ratelimit.ErrStoreUnavailable, err)
	}
	return d, nil
}

// Healthcheck pings the server.
func (s *Store) Healthcheck(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrHealthcheckFailed, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func parseReply(res any) (ratelimit.Decision, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("%w: %v", ErrMalformedReply, res)
	}
	var n [3]int64
	for i, v := range arr {
		x, ok := v.(int64)
		if !ok {
			return ratelimit.Decision{}, fmt.Errorf("%w: element %d is %T", ErrMalformedReply, i, v)
		}
		n[i] = x
	}
	return ratelimit.Decision{
		Allowed:           n[0] == 1,
		TokensRemaining:   int(n[1]),
		RetryAfterSeconds: int(n[2]),
	}, nil
}
