// Package dispatch executes provider calls over a pooled HTTP transport with bounded
// automatic retry on transient failures.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/chat-gateway/internal/domain"
	"github.com/tjfontaine/chat-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/chat-gateway/internal/provider"
)

const (
	DefaultTimeout             = 3 * time.Minute
	DefaultMaxRetries          = 2
	DefaultBackoff             = 500 * time.Millisecond
	DefaultMaxConcurrent       = 64
	DefaultMaxIdleConnsPerHost = 16

	// maxRetries caps configured retries regardless of configuration.
	maxRetries = 2

	maxResponseBytes = 16 << 20
)

// Config configures a Dispatcher.
type Config struct {
	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after the first (at most 2).
	MaxRetries int

	// Backoff is the fixed pause between attempts.
	Backoff time.Duration

	// MaxConcurrent bounds in-flight provider calls across all requests.
	MaxConcurrent int

	// MaxIdleConnsPerHost bounds pooled keep-alive connections per provider host.
	MaxIdleConnsPerHost int

	// BlockPrivateNetworks refuses connections to loopback and private addresses.
	BlockPrivateNetworks bool

	// Credentials maps providers to the key sent as x-rapidapi-key.
	Credentials map[domain.ProviderID]string

	// Transport replaces the pooled transport (tests, recorders).
	Transport http.RoundTripper
}

// Response is a successful provider reply.
type Response struct {
	StatusCode int
	Body       []byte
	Attempts   int
}

// Dispatcher performs provider calls. It is safe for concurrent use.
type Dispatcher struct {
	client      *http.Client
	cfg         Config
	sem         *semaphore.Weighted
	logger      *slog.Logger
	credentials map[domain.ProviderID]string
}

// New creates a dispatcher, filling zero config values with defaults.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries > maxRetries {
		cfg.MaxRetries = maxRetries
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	if logger == nil {
		logger = slog.Default()
	}

	rt := cfg.Transport
	if rt == nil {
		rt = newTransport(cfg)
	}

	creds := make(map[domain.ProviderID]string, len(cfg.Credentials))
	for id, key := range cfg.Credentials {
		creds[id] = key
	}

	return &Dispatcher{
		client:      &http.Client{Transport: otelhttp.NewTransport(rt)},
		cfg:         cfg,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:      logger,
		credentials: creds,
	}
}

// RetryBudget is the longest a Dispatch call can take with the given settings: every
// attempt running into its timeout plus the pauses between them. Retries are capped as
// in New.
func RetryBudget(timeout time.Duration, retries int, backoff time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries = min(max(retries, 0), maxRetries)
	backoff = max(backoff, 0)
	return time.Duration(1+retries)*timeout + time.Duration(retries)*backoff
}

// newTransport returns a pooled transport tuned for a handful of provider hosts.
// There is no response header timeout: image generation can take minutes to answer.
func newTransport(cfg Config) *http.Transport {
	base, _ := http.DefaultTransport.(*http.Transport)
	t := base.Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	if cfg.BlockPrivateNetworks {
		t.DialContext = safehttp.PublicOnlyDialContext
	}
	t.TLSHandshakeTimeout = 10 * time.Second
	t.IdleConnTimeout = 90 * time.Second
	t.MaxIdleConns = cfg.MaxIdleConnsPerHost * len(domain.Providers)
	t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	t.ForceAttemptHTTP2 = true
	return t
}

// Dispatch sends the request described by pc, retrying 5xx responses and transient
// transport failures up to the configured bound with a fixed backoff.
func (d *Dispatcher) Dispatch(ctx context.Context, pc *provider.Config) (*Response, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Provider: pc.Provider, Cause: err}
	}
	defer d.sem.Release(1)

	maxAttempts := 1 + d.cfg.MaxRetries
	var lastErr *Error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			d.logger.Warn("retrying provider call",
				slog.String("provider", string(pc.Provider)),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)
			if err := sleep(ctx, d.cfg.Backoff); err != nil {
				lastErr.Cause = err
				lastErr.Retryable = false
				return nil, lastErr
			}
		}

		resp, err := d.attempt(ctx, pc, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !err.Retryable || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, pc *provider.Config, attempt int) (*Response, *Error) {
	fail := func(status int, summary string, cause error, retryable bool) *Error {
		return &Error{
			Provider:   pc.Provider,
			StatusCode: status,
			Attempts:   attempt,
			Summary:    summary,
			Cause:      cause,
			Retryable:  retryable,
		}
	}

	actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, pc.URL, bytes.NewReader(pc.Payload))
	if err != nil {
		return nil, fail(0, "", fmt.Errorf("build request: %w", err), false)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-rapidapi-host", pc.Host)
	if key := d.credentials[pc.Provider]; key != "" {
		req.Header.Set("x-rapidapi-key", key)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fail(0, "", err, isRetryableErr(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fail(resp.StatusCode, "", fmt.Errorf("read response: %w", err), isRetryableErr(err))
	}

	d.logger.Debug("provider call completed",
		slog.String("provider", string(pc.Provider)),
		slog.Int("status", resp.StatusCode),
		slog.Int("attempt", attempt),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(resp.StatusCode, summarize(body), nil, isRetryableStatus(resp.StatusCode))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Attempts:   attempt,
	}, nil
}
