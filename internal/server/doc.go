/*
Package server hosts the HTTP router and the middleware shared by every endpoint.

# Middleware Components

## Request ID (requestid.go)

RequestIDMiddleware generates a UUID for each request and adds it to:
  - The request context (accessible via GetRequestID)
  - The X-Request-ID response header

## Logging (logging.go)

LoggingMiddleware emits one structured line per request with method, path,
status, duration and user agent. Handlers attach extra fields with AddLogField
and AddError. Responses with a 5xx status are logged at ERROR.

## Timeout (timeout.go)

TimeoutMiddleware bounds each request with a context deadline. Handlers are
expected to observe ctx.Done().

## Rate Limiting (ratelimit.go)

RateLimitHeadersMiddleware installs a holder that handlers fill with
SetRateLimits, then writes x-ratelimit-* and Retry-After headers before the
status line goes out.

# Middleware Chain Order

 1. RequestIDMiddleware
 2. LoggingMiddleware
 3. TimeoutMiddleware
 4. Recoverer
 5. OTel instrumentation

RateLimitHeadersMiddleware is applied per route by the frontdoor, so health
checks and static assets carry no rate-limit headers.

# Example Usage

	srv := server.New(server.Options{Port: 8080, RequestTimeout: 5 * time.Minute}, logger)
	srv.Router.Post("/api/send_text", handler.HandleSendText)
	go srv.Start()
*/
package server
