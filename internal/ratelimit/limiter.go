package ratelimit

import (
	"context"
	"time"
)

// DefaultCost is the number of tokens a single request consumes.
const DefaultCost = 1

// DefaultBucketTTL bounds how long an idle bucket survives in the store.
const DefaultBucketTTL = time.Hour

// Policy is the bucket shape applied to one role.
type Policy struct {
	MaxTokens           int     `yaml:"maxTokens" json:"maxTokens"`
	RefillRatePerSecond float64 `yaml:"refillRatePerSecond" json:"refillRatePerSecond"`
}

// Valid reports whether both fields are positive.
func (p Policy) Valid() bool {
	return p.MaxTokens > 0 && p.RefillRatePerSecond > 0
}

// Decision is the per-check outcome. It is never persisted.
type Decision struct {
	Allowed           bool
	TokensRemaining   int
	RetryAfterSeconds int
}

// BucketState is what a store keeps per key. Tokens and LastRefill are
// always read and written together.
type BucketState struct {
	Tokens     float64
	LastRefill float64 // unix seconds, sub-second precision
}

// Args carries one check to a Store.
type Args struct {
	MaxTokens           int
	RefillRatePerSecond float64
	Cost                int
	Now                 float64 // unix seconds, sub-second precision
	TTL                 time.Duration
}

// Store executes the token bucket algorithm for a key as a single atomic
// unit. Implementations must return errors wrapped in ErrStoreUnavailable
// for any failure of the backing store.
type Store interface {
	Evaluate(ctx context.Context, key string, args Args) (Decision, error)
}

// UnixSeconds converts t to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
