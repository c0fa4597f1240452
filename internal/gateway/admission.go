package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/tollgate/internal/auth"
	"github.com/AlexKimmel/tollgate/internal/ratelimit"
)

// Checker is the token bucket engine as seen by the middleware.
type Checker interface {
	Check(ctx context.Context, key string, maxTokens int, refillRatePerSecond float64, cost int, now time.Time) (ratelimit.Decision, error)
}

type PolicyResolver interface {
	Resolve(role string) ratelimit.Policy
}

// DecisionRecorder counts admission outcomes.
type DecisionRecorder interface {
	RecordDecision(scope, outcome string)
}

// FailureMode selects what happens when the store can't be reached.
type FailureMode string

const (
	FailOpen   FailureMode = "open"
	FailClosed FailureMode = "closed"
)

const (
	ScopeUser = "user"
	ScopeIP   = "ip"
)

const (
	OutcomeAllowed    = "allowed"
	OutcomeLimited    = "limited"
	OutcomeFailOpen   = "fail_open"
	OutcomeFailClosed = "fail_closed"
	OutcomeError      = "error"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderRetryAfter = "Retry-After"
)

type AdmissionOptions struct {
	SkipPaths      map[string]struct{}
	FailureMode    FailureMode
	TrustedProxies TrustedProxies
	Now            func() time.Time
	Recorder       DecisionRecorder
}

// RejectionBody is the 429 payload.
type RejectionBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
	Message    string `json:"message"`
}

type decisionKey struct{}

// DecisionFrom returns the admission decision made for this request.
func DecisionFrom(ctx context.Context) (ratelimit.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(ratelimit.Decision)
	return d, ok
}

// BucketKey derives the rate limit key and scope for a request.
func BucketKey(r *http.Request, trusted TrustedProxies) (key, scope, role string) {
	if id, ok := auth.IdentityFrom(r.Context()); ok {
		return ScopeUser + ":" + id.UserID, ScopeUser, id.Role
	}
	return ScopeIP + ":" + ClientIP(r, trusted), ScopeIP, ""
}

// Admission charges one token per request against the caller's bucket and
// rejects with 429 once the bucket is empty.
func Admission(engine Checker, policies PolicyResolver, opts AdmissionOptions) Middleware {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FailureMode == "" {
		opts.FailureMode = FailOpen
	}
	record := func(scope, outcome string) {
		if opts.Recorder != nil {
			opts.Recorder.RecordDecision(scope, outcome)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := opts.SkipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			key, scope, role := BucketKey(r, opts.TrustedProxies)
			p := policies.Resolve(role)

			d, err := engine.Check(r.Context(), key, p.MaxTokens, p.RefillRatePerSecond, ratelimit.DefaultCost, opts.Now())
			switch {
			case errors.Is(err, ratelimit.ErrStoreUnavailable):
				if opts.FailureMode == FailClosed {
					hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("rate limit store unavailable, rejecting")
					record(scope, OutcomeFailClosed)
					setLimitHeaders(w, p.MaxTokens, 0)
					writeJSON(w, http.StatusServiceUnavailable, map[string]string{
						"error":   "Service unavailable",
						"message": "Rate limiting is temporarily unavailable. Please try again later.",
					})
					return
				}
				hlog.FromRequest(r).Warn().Err(err).Str("key", key).Msg("rate limit store unavailable, failing open")
				record(scope, OutcomeFailOpen)
				d = ratelimit.Decision{Allowed: true, TokensRemaining: p.MaxTokens}
			case err != nil:
				hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("rate limit check failed")
				record(scope, OutcomeError)
				setLimitHeaders(w, p.MaxTokens, 0)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error":   "Internal server error",
					"message": "internal rate limiter error",
				})
				return
			}

			setLimitHeaders(w, p.MaxTokens, d.TokensRemaining)

			if !d.Allowed {
				hlog.FromRequest(r).Debug().
					Str("key", key).
					Int("retry_after", d.RetryAfterSeconds).
					Msg("throttled")
				record(scope, OutcomeLimited)
				w.Header().Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfterSeconds))
				writeJSON(w, http.StatusTooManyRequests, RejectionBody{
					Error:      "Rate limit exceeded",
					RetryAfter: d.RetryAfterSeconds,
					Message:    "Too many requests. Please try again in " + strconv.Itoa(d.RetryAfterSeconds) + " seconds.",
				})
				return
			}

			if err == nil {
				record(scope, OutcomeAllowed)
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, d)))
		})
	}
}

// setLimitHeaders is applied on every path through Admission, including
// failures; remaining is 0 whenever no bucket state was read.
func setLimitHeaders(w http.ResponseWriter, limit, remaining int) {
	w.Header().Set(HeaderLimit, strconv.Itoa(limit))
	w.Header().Set(HeaderRemaining, strconv.Itoa(max(remaining, 0)))
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
