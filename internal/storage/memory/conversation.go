// Package memory provides in-process implementations of the storage interfaces.
// All state is volatile and lost on restart.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tjfontaine/chat-gateway/internal/domain"
	"github.com/tjfontaine/chat-gateway/internal/storage"
)

const lockStripes = 64

// ConversationStore is an in-memory storage.ConversationStore.
// Histories expire when not appended to within the TTL, and the least recently used
// conversations are evicted once maxConversations is reached.
type ConversationStore struct {
	maxTurns int
	entries  *expirable.LRU[string, []domain.Turn]

	// Per-key critical sections for read-modify-write of a history.
	locks [lockStripes]sync.Mutex
}

var _ storage.ConversationStore = (*ConversationStore)(nil)

// NewConversationStore creates a store keeping at most maxHistoryTurns user/assistant
// pairs per conversation.
func NewConversationStore(maxHistoryTurns, maxConversations int, ttl time.Duration) *ConversationStore {
	if maxHistoryTurns < 1 {
		maxHistoryTurns = 1
	}
	return &ConversationStore{
		maxTurns: 2 * maxHistoryTurns,
		entries:  expirable.NewLRU[string, []domain.Turn](maxConversations, nil, ttl),
	}
}

func (s *ConversationStore) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *ConversationStore) Get(ctx context.Context, key string) ([]domain.Turn, error) {
	turns, ok := s.entries.Get(key)
	if !ok {
		return []domain.Turn{}, nil
	}
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *ConversationStore) Append(ctx context.Context, key string, user, assistant domain.Turn) error {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	cur, _ := s.entries.Get(key)

	next := make([]domain.Turn, 0, len(cur)+2)
	next = append(next, cur...)
	next = append(next, user, assistant)

	// Drop whole pairs from the front until within bounds.
	if over := len(next) - s.maxTurns; over > 0 {
		over += over % 2
		next = next[over:]
	}

	s.entries.Add(key, next)
	return nil
}

func (s *ConversationStore) Reset(ctx context.Context, key string) (int, error) {
	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	turns, ok := s.entries.Get(key)
	if !ok {
		return 0, nil
	}
	s.entries.Remove(key)
	return len(turns), nil
}

// Len returns the number of live conversations.
func (s *ConversationStore) Len() int {
	return s.entries.Len()
}
