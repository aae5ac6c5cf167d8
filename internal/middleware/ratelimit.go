package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Niiaks/Lodge/internal/redis"
)

// Limiter is satisfied by *redis.Client.
type Limiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (*redis.RateLimitResult, error)
}

type RateLimit struct {
	limiter Limiter
	limit   int64
	window  time.Duration
}

func NewRateLimit(limiter Limiter, limit int64, window time.Duration) *RateLimit {
	return &RateLimit{limiter: limiter, limit: limit, window: window}
}

// PerCaller applies a sliding-window limit keyed by the authenticated user, or
// by client IP when there is none. Limiter errors let the request through.
func (rl *RateLimit) PerCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.limiter == nil || rl.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := "ip:" + clientIP(r)
		if identity, ok := GetIdentity(r.Context()); ok {
			key = "user:" + identity.UserID.String()
		}

		res, err := rl.limiter.CheckRateLimit(r.Context(), key, rl.limit, rl.window)
		if err != nil {
			GetLogger(r.Context()).Warn().Err(err).Str("key", key).Msg("Rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rl.limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.ResetAt)))
			WriteJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error:     "rate limit exceeded",
				Code:      "rate_limited",
				Retryable: true,
				RequestID: GetRequestID(r),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(resetAt time.Time) int {
	secs := int(math.Ceil(time.Until(resetAt).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
