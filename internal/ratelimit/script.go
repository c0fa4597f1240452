package ratelimit

import (
	_ "embed"
	"math"
	"time"
)

// Script is the token bucket algorithm as a Redis Lua script. Redis runs a
// script to completion before serving any other command, which is what makes
// a check atomic across every process sharing the store.
//
//go:embed tokenbucket.lua
var Script string

// ScriptArgs renders args in the ARGV order Script expects.
func ScriptArgs(args Args) []any {
	return []any{
		args.MaxTokens,
		args.RefillRatePerSecond,
		args.Cost,
		args.Now,
		ttlSeconds(args.TTL),
	}
}

func ttlSeconds(d time.Duration) int64 {
	if d <= 0 {
		d = DefaultBucketTTL
	}
	return max(1, int64(math.Ceil(d.Seconds())))
}
