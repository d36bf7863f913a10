package server

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// rateLimitContextKey is the context key for rate limit info
type rateLimitContextKey struct{}

// RateLimitInfo is the admission state reported to clients as response headers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	// Reset is when the current window closes.
	Reset time.Time
	// RetryAfter is set on denials.
	RetryAfter time.Duration
}

type rateLimitHolder struct {
	info *RateLimitInfo
}

// SetRateLimits records rl for RateLimitHeadersMiddleware to write.
// No-op if the middleware isn't present.
func SetRateLimits(ctx context.Context, rl *RateLimitInfo) {
	if h, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitHolder); ok {
		h.info = rl
	}
}

// GetRateLimits retrieves rate limit info from context.
// Returns nil if no rate limits are set.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if h, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitHolder); ok {
		return h.info
	}
	return nil
}

// RateLimitHeadersMiddleware writes x-ratelimit-* headers (and Retry-After on denials)
// from the info a handler records with SetRateLimits before it writes its response.
func RateLimitHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		holder := &rateLimitHolder{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, holder)
		wrapped := &rateLimitResponseWriter{
			ResponseWriter: w,
			holder:         holder,
		}
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	holder       *rateLimitHolder
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	rl := rw.holder.info
	if rl == nil || rl.Limit <= 0 {
		return
	}

	h := rw.Header()
	h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.Limit))
	h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.Remaining))
	if !rl.Reset.IsZero() {
		h.Set("x-ratelimit-reset-requests", rl.Reset.UTC().Format(time.RFC3339))
	}
	if rl.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(rl.RetryAfter/time.Second)))
	}
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
