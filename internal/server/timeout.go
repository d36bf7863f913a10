package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrRequestTimeout is the cancellation cause of a request that outlived its deadline.
var ErrRequestTimeout = errors.New("request deadline exceeded")

// TimeoutMiddleware bounds each request with a deadline whose cause is ErrRequestTimeout.
// It writes no response of its own; handlers watch ctx.Done() and report the failure.
// Expired requests get a timeout log field. A non-positive timeout disables the bound.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeoutCause(r.Context(), timeout, ErrRequestTimeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))

			if errors.Is(context.Cause(ctx), ErrRequestTimeout) {
				AddLogField(ctx, "timeout", timeout.String())
			}
		})
	}
}
