package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/chat-gateway/internal/domain"
	"github.com/tjfontaine/chat-gateway/internal/tokens"
)

// DefaultQueueSize bounds the number of exchanges waiting for delivery.
const DefaultQueueSize = 128

const deliverTimeout = 30 * time.Second

// Async enriches and delivers exchanges on a single background worker.
// Submit never blocks: when the queue is full the exchange is dropped.
type Async struct {
	sink    Sink
	geo     Locator
	tokens  *tokens.Registry
	logger  *slog.Logger
	queue   chan domain.Exchange
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
}

// AsyncOption configures an Async.
type AsyncOption func(*Async)

// WithLocator sets the geolocation lookup used for enrichment.
func WithLocator(l Locator) AsyncOption {
	return func(a *Async) { a.geo = l }
}

// WithTokens sets the token registry used for prompt/reply estimates.
func WithTokens(r *tokens.Registry) AsyncOption {
	return func(a *Async) { a.tokens = r }
}

// NewAsync starts the delivery worker.
func NewAsync(sink Sink, queueSize int, logger *slog.Logger, opts ...AsyncOption) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	a := &Async{
		sink:   sink,
		geo:    unknownLocator{},
		logger: logger,
		queue:  make(chan domain.Exchange, queueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Submit enqueues ex for delivery and reports whether it was accepted.
func (a *Async) Submit(ex domain.Exchange) bool {
	a.closeMu.RLock()
	defer a.closeMu.RUnlock()
	if a.closed {
		return false
	}

	select {
	case a.queue <- ex:
		return true
	default:
		a.logger.Warn("audit queue full, dropping exchange",
			slog.String("exchange_id", ex.ID),
			slog.String("model", string(ex.Model)))
		return false
	}
}

// Close stops accepting exchanges and waits for queued ones to be delivered.
func (a *Async) Close(ctx context.Context) error {
	a.closeMu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.closeMu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ex := range a.queue {
		a.deliver(ex)
	}
}

func (a *Async) deliver(ex domain.Exchange) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	rec := &Record{
		Exchange: ex,
		Location: a.geo.Locate(ctx, ex.Client.Key),
		Device:   DescribeUserAgent(ex.Client.UserAgent),
	}
	if a.tokens != nil {
		rec.PromptTokens = a.tokens.CountPrompt(ex.Model, nil, ex.UserMessage)
		rec.ReplyTokens = a.tokens.CountReply(ex.Model, ex.Reply)
	}

	if err := a.sink.Record(ctx, rec); err != nil {
		a.logger.Error("audit delivery failed",
			slog.String("exchange_id", ex.ID),
			slog.String("error", err.Error()))
	}
}
