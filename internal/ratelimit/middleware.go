package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"petify-core/internal/observability"
	"petify-core/internal/respond"
)

const errorCodeRateLimited = "RATE_LIMIT_EXCEEDED"

type MiddlewareOptions struct {
	Limiter Limiter
	Config  Config
	Logger  *observability.Logger

	// Scope names the bucket group (route name, "global").
	Scope string

	// Cost overrides the configured per-request token cost; 0 keeps the
	// default.
	Cost float64

	// KeyFn overrides key resolution; defaults to ResolveKey.
	KeyFn func(*http.Request) string
}

type rejectionDetail struct {
	ErrorCode         string `json:"errorCode"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
	ResetTimestamp    int64  `json:"resetTimestamp"`
}

// Middleware guards a handler with the token bucket limiter. Store failures
// and contention reject the request; the limiter never fails open.
func Middleware(opts MiddlewareOptions) func(http.Handler) http.Handler {
	cfg := opts.Config.withDefaults()
	keyFn := opts.KeyFn
	if keyFn == nil {
		keyFn = ResolveKey
	}
	scope := opts.Scope
	if scope == "" {
		scope = "global"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := Identity{Scope: scope, Key: keyFn(r)}

			dec, err := opts.Limiter.Admit(r.Context(), id, opts.Cost)
			if err != nil {
				opts.Logger.Warn("rate_limit_fail_closed", map[string]any{
					"scope": id.Scope,
					"key":   id.Key,
					"path":  r.URL.Path,
					"error": err.Error(),
				})
				sentry.CaptureException(err)
				writeRejection(w, cfg, Decision{
					RetryAfter: time.Duration(cfg.RetryAfterSeconds) * time.Second,
					ResetAt:    time.Now().Add(time.Duration(cfg.RetryAfterSeconds) * time.Second),
				})
				return
			}

			if !dec.Allowed {
				opts.Logger.Warn("rate_limit_exceeded", map[string]any{
					"scope":       id.Scope,
					"key":         id.Key,
					"method":      r.Method,
					"path":        r.URL.Path,
					"retry_after": dec.RetryAfter.Seconds(),
				})
				writeRejection(w, cfg, dec)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRejection(w http.ResponseWriter, cfg Config, dec Decision) {
	retryAfter := int(math.Ceil(dec.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	reset := dec.ResetAt.Unix()
	if reset <= 0 {
		reset = time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
	}

	header := w.Header()
	header.Set("Retry-After", strconv.Itoa(retryAfter))
	header.Set("X-RateLimit-Limit", strconv.FormatFloat(cfg.BurstCapacity, 'f', -1, 64))
	header.Set("X-RateLimit-Remaining", "0")
	header.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
	header.Set("Cache-Control", "no-store")

	result := respond.Error(http.StatusTooManyRequests,
		"Rate limit exceeded. Please try again in "+strconv.Itoa(retryAfter)+" seconds.")
	result.Data = rejectionDetail{
		ErrorCode:         errorCodeRateLimited,
		RetryAfterSeconds: retryAfter,
		ResetTimestamp:    reset,
	}
	respond.WriteResult(w, result)
}
