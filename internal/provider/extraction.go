package provider

import "strings"

// ReplyKind tells the normalizer how to render an extracted value.
type ReplyKind int

const (
	// ReplyText is chat text passed through the display transform.
	ReplyText ReplyKind = iota
	// ReplyImage is an image URL rendered as an image element.
	ReplyImage
)

// Field is a dotted lookup path into a decoded JSON response.
// Numeric segments index into arrays.
type Field string

const (
	FieldResult         Field = "result"
	FieldChoiceContent  Field = "choices.0.message.content"
	FieldContentText    Field = "content.0.text"
	FieldGeneratedImage Field = "generated_image"
)

// Segments splits the path into its components.
func (f Field) Segments() []string {
	return strings.Split(string(f), ".")
}

// Extraction is the ordered field-lookup strategy for one provider.
type Extraction struct {
	Kind   ReplyKind
	Fields []Field
}

func textExtraction(fields ...Field) Extraction {
	return Extraction{Kind: ReplyText, Fields: fields}
}
