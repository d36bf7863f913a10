package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/chat-gateway/internal/domain"
)

// TiktokenCounter counts tokens with the cl100k encoding used by GPT-4 class models.
type TiktokenCounter struct {
	providers map[domain.ProviderID]bool

	once     sync.Once
	codec    tokenizer.Codec
	codecErr error
	fallback *Estimator
}

// NewTiktokenCounter creates a counter for the given providers.
func NewTiktokenCounter(ids ...domain.ProviderID) *TiktokenCounter {
	providers := make(map[domain.ProviderID]bool, len(ids))
	for _, id := range ids {
		providers[id] = true
	}
	return &TiktokenCounter{
		providers: providers,
		fallback:  NewEstimator(),
	}
}

func (c *TiktokenCounter) getCodec() (tokenizer.Codec, error) {
	c.once.Do(func() {
		c.codec, c.codecErr = tokenizer.ForModel(tokenizer.GPT4)
		if c.codecErr != nil {
			c.codec, c.codecErr = tokenizer.Get(tokenizer.Cl100kBase)
		}
	})
	return c.codec, c.codecErr
}

// Count returns the exact token count, or an estimate if the codec is unavailable.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	codec, err := c.getCodec()
	if err != nil {
		return c.fallback.Count(text)
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return c.fallback.Count(text)
	}
	return len(ids)
}

// SupportsProvider reports whether id was registered with this counter.
func (c *TiktokenCounter) SupportsProvider(id domain.ProviderID) bool {
	return c.providers[id]
}
