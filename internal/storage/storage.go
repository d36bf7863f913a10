// Package storage defines the state interfaces the gateway core depends on.
// In-memory implementations live in storage/memory; a remote store can satisfy the
// same interfaces without changing the orchestrator.
package storage

import (
	"context"
	"errors"

	"github.com/tjfontaine/chat-gateway/internal/domain"
)

// ConversationStore holds bounded, TTL-limited conversation histories.
type ConversationStore interface {
	// Get returns the ordered turns for key. Unknown or expired keys yield an empty history.
	Get(ctx context.Context, key string) ([]domain.Turn, error)

	// Append atomically adds a user/assistant pair to key and trims the oldest pairs.
	Append(ctx context.Context, key string, user, assistant domain.Turn) error

	// Reset removes the history for key and returns the number of turns removed.
	Reset(ctx context.Context, key string) (int, error)
}

// ResponseCache maps request fingerprints to previously computed replies.
// Lookup failures of a remote implementation are reported as misses.
type ResponseCache interface {
	Get(ctx context.Context, fingerprint string) (string, bool)
	Put(ctx context.Context, fingerprint string, value string)
}

// ExchangeStore persists audit records of completed exchanges.
type ExchangeStore interface {
	SaveExchange(ctx context.Context, rec *ExchangeRecord) error
	Close() error
}

// ExchangeReader reads back the exchange log.
type ExchangeReader interface {
	// GetExchange returns ErrNotFound for unknown ids.
	GetExchange(ctx context.Context, id string) (*ExchangeRecord, error)

	// ListExchanges returns up to limit exchanges of a conversation, newest first.
	ListExchanges(ctx context.Context, conversationID string, limit int) ([]*ExchangeRecord, error)
}

// ErrNotFound reports a lookup of an unknown record.
var ErrNotFound = errors.New("not found")

// ExchangeRecord is the persisted form of an audited exchange.
type ExchangeRecord struct {
	domain.Exchange
	Location     string
	Device       string
	PromptTokens int
	ReplyTokens  int
}
