// Package audit delivers completed exchanges to notification and logging sinks off the
// request path.
package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tjfontaine/chat-gateway/internal/storage"
)

// Record is an exchange enriched with location, device and token estimates.
type Record = storage.ExchangeRecord

// Sink receives audited exchanges.
type Sink interface {
	Record(ctx context.Context, rec *Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec *Record) error

func (f SinkFunc) Record(ctx context.Context, rec *Record) error { return f(ctx, rec) }

// Multi delivers each record to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes one structured log line per exchange.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ctx context.Context, rec *Record) error {
	s.Logger.InfoContext(ctx, "exchange",
		slog.String("exchange_id", rec.ID),
		slog.String("client", rec.Client.Key),
		slog.String("location", rec.Location),
		slog.String("device", rec.Device),
		slog.String("conversation_id", rec.ConversationID),
		slog.String("model", string(rec.Model)),
		slog.Bool("cached", rec.Cached),
		slog.Int("attempts", rec.Attempts),
		slog.Duration("duration", rec.Duration),
		slog.Int("prompt_tokens", rec.PromptTokens),
		slog.Int("reply_tokens", rec.ReplyTokens),
	)
	return nil
}

// StoreSink persists records to an ExchangeStore.
type StoreSink struct {
	Store storage.ExchangeStore
}

func (s StoreSink) Record(ctx context.Context, rec *Record) error {
	return s.Store.SaveExchange(ctx, rec)
}
