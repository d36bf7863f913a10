package provider

import "github.com/tjfontaine/chat-gateway/internal/domain"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type gpt4Payload struct {
	Messages  []chatMessage `json:"messages"`
	WebAccess bool          `json:"web_access"`
}

type claude3Payload struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type contentBlock struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type visionMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type visionPayload struct {
	Messages  []visionMessage `json:"messages"`
	WebAccess bool            `json:"web_access"`
}

type dallePayload struct {
	Text   string `json:"text"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type aigfPayload struct {
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// flatMessages renders history followed by the new user turn.
func flatMessages(in Input) []chatMessage {
	msgs := make([]chatMessage, 0, len(in.History)+1)
	for _, t := range in.History {
		msgs = append(msgs, chatMessage{Role: string(t.Role), Content: t.Content})
	}
	return append(msgs, chatMessage{Role: string(domain.RoleUser), Content: in.Text})
}

func buildGPT4(in Input) gpt4Payload {
	return gpt4Payload{
		Messages:  flatMessages(in),
		WebAccess: in.Settings.Bool("webAccess", false),
	}
}

func buildClaude3(in Input) claude3Payload {
	return claude3Payload{
		Model:     claude3Model,
		Messages:  flatMessages(in),
		MaxTokens: 1024,
	}
}

func buildVision(in Input) visionPayload {
	msgs := make([]visionMessage, 0, len(in.History)+1)
	for _, t := range in.History {
		msgs = append(msgs, visionMessage{
			Role:    string(t.Role),
			Content: []contentBlock{{Type: "text", Text: t.Content}},
		})
	}

	blocks := []contentBlock{{Type: "text", Text: in.Text}}
	if img := in.Settings.String("imageUrl", ""); img != "" {
		blocks = append(blocks, contentBlock{Type: "image_url", ImageURL: &imageURL{URL: img}})
	}
	msgs = append(msgs, visionMessage{Role: string(domain.RoleUser), Content: blocks})

	return visionPayload{
		Messages:  msgs,
		WebAccess: in.Settings.Bool("webAccess", false),
	}
}

// buildDalle ignores history: image generation is single-shot.
func buildDalle(in Input) dallePayload {
	return dallePayload{
		Text:   in.Text,
		Width:  in.Settings.Int("width", DefaultImageSize, MinImageSize, MaxImageSize),
		Height: in.Settings.Int("height", DefaultImageSize, MinImageSize, MaxImageSize),
	}
}

func buildAIGF(in Input) aigfPayload {
	return aigfPayload{
		Messages:    flatMessages(in),
		Temperature: 0.9,
		MaxTokens:   256,
	}
}
