package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kehai/internal/model"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// rate limiting for that request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID from the request context. Injected
// by the caller to avoid a dependency on the server package.
type RequestIDFunc func(r *http.Request) string

// retryAfterer is implemented by limiters that can estimate the wait.
type retryAfterer interface {
	RetryAfter(key string) time.Duration
}

// Middleware returns HTTP middleware that rejects requests over the limit
// with 429 and the standard error envelope. Limiter errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(limiter, key)))
				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				writeRateLimitError(w, requestID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds is the Retry-After value for a rejected key: the
// limiter's estimate when it has one, rounded up, and at least one second.
func RetryAfterSeconds(limiter Limiter, key string) int {
	if ra, ok := limiter.(retryAfterer); ok {
		return max(1, int(math.Ceil(ra.RetryAfter(key).Seconds())))
	}
	return 1
}

func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys on the client IP from RemoteAddr. X-Forwarded-For is not
// trusted because any client can set it.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return "ip:" + addr[:idx]
	}
	return "ip:" + addr
}
