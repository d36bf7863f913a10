package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tjfontaine/chat-gateway/internal/domain"
)

// SendTextPath is the request path folded into cache fingerprints.
const SendTextPath = "/api/send_text"

type fingerprintBody struct {
	Path           string          `json:"path"`
	Message        string          `json:"message"`
	Model          string          `json:"model"`
	Settings       domain.Settings `json:"settings"`
	ConversationID string          `json:"conversation_id,omitempty"`
}

// Fingerprint hashes the logically significant request content. Map keys are sorted by
// encoding/json, so settings order does not matter. Only an explicitly supplied
// conversation id takes part; client identity and history do not.
func Fingerprint(path, message string, model domain.ProviderID, settings domain.Settings, conversationID string) string {
	if settings == nil {
		settings = domain.Settings{}
	}
	body, err := json.Marshal(fingerprintBody{
		Path:           path,
		Message:        message,
		Model:          string(model),
		Settings:       settings,
		ConversationID: conversationID,
	})
	if err != nil {
		// Settings come from decoded JSON and always re-encode.
		body = []byte(path + "\x00" + message + "\x00" + string(model) + "\x00" + conversationID)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
