// Package provider resolves a provider id and user input into the concrete outbound
// request descriptor for that provider.
//
// The set of providers is closed: each one is a variant with its own payload builder
// and response extraction rule. Resolve is pure and performs no I/O.
package provider

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/tjfontaine/chat-gateway/internal/domain"
)

// Default upstream endpoints.
const (
	GPT4URL    = "https://chatgpt-42.p.rapidapi.com/gpt4"
	Claude3URL = "https://claude-3-haiku-ai.p.rapidapi.com/"
	DalleURL   = "https://chatgpt-42.p.rapidapi.com/texttoimage"
	VisionURL  = "https://chatgpt-42.p.rapidapi.com/matagvision"
	AIGFURL    = "https://chatgpt-42.p.rapidapi.com/aigf"
)

// Image size bounds and default for image generation.
const (
	DefaultImageSize = 512
	MinImageSize     = 256
	MaxImageSize     = 1024
)

const claude3Model = "claude-3-haiku-20240307"

// Config is the outbound request descriptor for one provider call.
type Config struct {
	Provider   domain.ProviderID
	URL        string
	Host       string
	Payload    json.RawMessage
	Extraction Extraction

	// ImageWidth and ImageHeight are set for image providers so replies can be rendered.
	ImageWidth  int
	ImageHeight int
}

// Input is everything a payload builder may read.
type Input struct {
	Text     string
	Settings domain.Settings
	History  []domain.Turn
}

// Resolver maps provider ids to outbound request descriptors.
type Resolver struct {
	urls map[domain.ProviderID]string
}

// NewResolver creates a resolver. urlOverrides replaces default endpoints per provider
// and may be nil.
func NewResolver(urlOverrides map[domain.ProviderID]string) *Resolver {
	urls := make(map[domain.ProviderID]string, len(urlOverrides))
	for id, u := range urlOverrides {
		if u != "" {
			urls[id] = u
		}
	}
	return &Resolver{urls: urls}
}

// Resolve builds the outbound descriptor for provider id.
// Identical inputs always produce byte-identical payloads.
func (r *Resolver) Resolve(id domain.ProviderID, text string, settings domain.Settings, history []domain.Turn) (*Config, error) {
	in := Input{Text: text, Settings: settings, History: history}

	var (
		defaultURL string
		payload    any
		extraction Extraction
		cfg        Config
	)

	switch id {
	case domain.ProviderGPT4:
		defaultURL = GPT4URL
		payload = buildGPT4(in)
		extraction = textExtraction(FieldResult, FieldChoiceContent)
	case domain.ProviderClaude3:
		defaultURL = Claude3URL
		payload = buildClaude3(in)
		extraction = textExtraction(FieldChoiceContent, FieldResult, FieldContentText)
	case domain.ProviderVision:
		defaultURL = VisionURL
		payload = buildVision(in)
		extraction = textExtraction(FieldResult, FieldChoiceContent)
	case domain.ProviderDalle:
		defaultURL = DalleURL
		p := buildDalle(in)
		payload = p
		extraction = Extraction{Kind: ReplyImage, Fields: []Field{FieldGeneratedImage}}
		cfg.ImageWidth, cfg.ImageHeight = p.Width, p.Height
	case domain.ProviderAIGF:
		defaultURL = AIGFURL
		payload = buildAIGF(in)
		extraction = textExtraction(FieldResult, FieldChoiceContent)
	default:
		return nil, domain.ErrConfigResolution(id)
	}

	target := defaultURL
	if u, ok := r.urls[id]; ok {
		target = u
	}
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid endpoint for %s: %q", id, target)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", id, err)
	}

	cfg.Provider = id
	cfg.URL = target
	cfg.Host = parsed.Host
	cfg.Payload = body
	cfg.Extraction = extraction
	return &cfg, nil
}
