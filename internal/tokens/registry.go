// Package tokens estimates token usage of audited exchanges per provider.
package tokens

import (
	"github.com/tjfontaine/chat-gateway/internal/domain"
)

// perMessageOverhead approximates the role and separator tokens around each message.
const perMessageOverhead = 4

// Counter counts tokens for one family of providers.
type Counter interface {
	Count(text string) int
	SupportsProvider(id domain.ProviderID) bool
}

// Registry picks the counter for a provider and falls back to an estimator.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the character estimator as fallback.
func NewRegistry(counters ...Counter) *Registry {
	return &Registry{
		counters: counters,
		fallback: NewEstimator(),
	}
}

// NewDefaultRegistry registers tiktoken for the OpenAI-compatible providers.
func NewDefaultRegistry() *Registry {
	return NewRegistry(NewTiktokenCounter(domain.ProviderGPT4, domain.ProviderVision, domain.ProviderAIGF))
}

// CounterFor returns the counter used for provider id.
func (r *Registry) CounterFor(id domain.ProviderID) Counter {
	for _, c := range r.counters {
		if c.SupportsProvider(id) {
			return c
		}
	}
	return r.fallback
}

// CountPrompt counts the tokens of the history plus the new user message.
func (r *Registry) CountPrompt(id domain.ProviderID, history []domain.Turn, message string) int {
	c := r.CounterFor(id)
	total := 0
	for _, turn := range history {
		total += c.Count(turn.Content) + perMessageOverhead
	}
	return total + c.Count(message) + perMessageOverhead
}

// CountReply counts the tokens of a reply text.
func (r *Registry) CountReply(id domain.ProviderID, reply string) int {
	return r.CounterFor(id).Count(reply)
}

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// Count estimates the token count of text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	n := int(float64(len(text)) / e.CharsPerToken)
	if n == 0 {
		n = 1
	}
	return n
}

// SupportsProvider returns true; the estimator is the fallback for every provider.
func (e *Estimator) SupportsProvider(domain.ProviderID) bool {
	return true
}
