package ratelimit

import "math"

// Apply runs one refill/consume step against state. A nil state is a bucket
// seen for the first time and starts full. The returned state always has
// LastRefill set to args.Now, including on rejection.
//
// tokenbucket.lua is the same algorithm for stores that execute it remotely;
// keep the two in step.
func Apply(state *BucketState, args Args) (BucketState, Decision) {
	maxTokens := float64(args.MaxTokens)

	cur := BucketState{Tokens: maxTokens, LastRefill: args.Now}
	if state != nil {
		cur = *state
	}

	// clock skew between processes must never drain a bucket
	elapsed := math.Max(0, args.Now-cur.LastRefill)
	tokens := math.Min(maxTokens, cur.Tokens+elapsed*args.RefillRatePerSecond)
	tokens = math.Max(0, tokens)

	var d Decision
	cost := float64(args.Cost)
	if tokens >= cost {
		tokens -= cost
		d.Allowed = true
	} else {
		d.RetryAfterSeconds = int(math.Ceil((cost - tokens) / args.RefillRatePerSecond))
	}
	d.TokensRemaining = int(math.Floor(tokens))

	return BucketState{Tokens: tokens, LastRefill: args.Now}, d
}
