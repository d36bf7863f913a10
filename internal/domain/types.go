// Package domain holds the value types shared by the gateway components.
package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ProviderID names one of the supported upstream providers.
type ProviderID string

const (
	ProviderGPT4    ProviderID = "gpt4"
	ProviderClaude3 ProviderID = "claude3"
	ProviderDalle   ProviderID = "dalle"
	ProviderVision  ProviderID = "vision"
	ProviderAIGF    ProviderID = "ai_gf"
)

// Providers lists the closed set of accepted provider ids in display order.
var Providers = []ProviderID{
	ProviderGPT4,
	ProviderClaude3,
	ProviderDalle,
	ProviderVision,
	ProviderAIGF,
}

// Valid reports whether p is a member of the closed provider set.
func (p ProviderID) Valid() bool {
	for _, id := range Providers {
		if id == p {
			return true
		}
	}
	return false
}

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message in a conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Settings carries optional per-request provider overrides as sent by the client.
// Values are kept raw and interpreted leniently by the resolver.
type Settings map[string]any

// Bool returns the boolean stored at key, or def when absent or malformed.
func (s Settings) Bool(key string, def bool) bool {
	switch v := s[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Int returns the integer stored at key, or def when absent, malformed or outside [lo, hi].
func (s Settings) Int(key string, def, lo, hi int) int {
	var n int
	switch v := s[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return def
		}
		n = int(v)
	case int:
		n = v
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return def
		}
		n = int(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		n = i
	default:
		return def
	}
	if n < lo || n > hi {
		return def
	}
	return n
}

// String returns the non-empty string stored at key, or def.
func (s Settings) String(key, def string) string {
	if v, ok := s[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// ClientInfo describes the caller for rate limiting, conversation keys and auditing.
type ClientInfo struct {
	// Key is the client identity: first X-Forwarded-For entry or the peer address.
	Key       string
	UserAgent string
}

// ChatReply is the uniform reply contract of /api/send_text.
type ChatReply struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// Exchange is a completed request/reply pair handed to audit sinks.
type Exchange struct {
	ID             string
	Time           time.Time
	Client         ClientInfo
	ConversationID string
	Model          ProviderID
	UserMessage    string
	Reply          string
	RawResponse    json.RawMessage
	Cached         bool
	Attempts       int
	Duration       time.Duration
}
