package ratelimit

import "errors"

var (
	// ErrStoreUnavailable wraps every failure of the backing store:
	// connectivity, timeouts, cancelled contexts and malformed replies.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrInvalidArgument is returned for an empty key or a non-positive
	// capacity, refill rate or cost.
	ErrInvalidArgument = errors.New("invalid rate limit argument")
)
