package codec

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/tjfontaine/chat-gateway/internal/domain"
	"github.com/tjfontaine/chat-gateway/internal/provider"
)

// NormalizationError reports a provider response with none of the expected fields.
type NormalizationError struct {
	Provider domain.ProviderID
	// Shape describes what was received: sorted top-level keys or the JSON kind.
	Shape string
	Tried []provider.Field
}

func (e *NormalizationError) Error() string {
	tried := make([]string, len(e.Tried))
	for i, f := range e.Tried {
		tried[i] = string(f)
	}
	return fmt.Sprintf("unexpected response shape from %s: got %s, expected one of [%s]",
		e.Provider, e.Shape, strings.Join(tried, ", "))
}

// ReplyMessage is the chat-visible text shown instead of a reply.
func (e *NormalizationError) ReplyMessage() string {
	return fmt.Sprintf("Error: unexpected response from %s (%s)", e.Provider, html.EscapeString(e.Shape))
}

// Normalize extracts the reply from a raw provider response using the provider's
// ordered field lookup and renders it for display. Malformed JSON is repaired before
// giving up.
func Normalize(pc *provider.Config, raw []byte) (string, error) {
	doc, err := decode(raw)
	if err != nil {
		return "", &NormalizationError{
			Provider: pc.Provider,
			Shape:    "non-JSON body",
			Tried:    pc.Extraction.Fields,
		}
	}

	for _, field := range pc.Extraction.Fields {
		value, ok := lookup(doc, field)
		if !ok {
			continue
		}
		switch pc.Extraction.Kind {
		case provider.ReplyImage:
			return RenderImage(value, pc.ImageWidth, pc.ImageHeight), nil
		default:
			return ToDisplay(value), nil
		}
	}

	return "", &NormalizationError{
		Provider: pc.Provider,
		Shape:    describe(doc),
		Tried:    pc.Extraction.Fields,
	}
}

// RenderImage renders an image URL as an image element.
func RenderImage(src string, width, height int) string {
	if width <= 0 {
		width = provider.DefaultImageSize
	}
	if height <= 0 {
		height = provider.DefaultImageSize
	}
	return fmt.Sprintf(`<img src="%s" width="%d" height="%d" alt="Generated Image" />`,
		html.EscapeString(src), width, height)
}

func decode(raw []byte) (any, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err == nil {
		return doc, nil
	}

	repaired, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// lookup follows field through objects and arrays and returns a non-empty string.
func lookup(doc any, field provider.Field) (string, bool) {
	cur := doc
	for _, seg := range field.Segments() {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return "", false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return "", false
			}
			cur = node[i]
		default:
			return "", false
		}
	}

	s, ok := cur.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func describe(doc any) string {
	switch node := doc.(type) {
	case map[string]any:
		if len(node) == 0 {
			return "empty object"
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "fields: " + strings.Join(keys, ", ")
	case []any:
		return "array"
	case string:
		return "string"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", node)
	}
}
