// Package codec converts provider responses into the uniform reply shape and renders
// gateway errors onto the wire.
package codec

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/chat-gateway/internal/dispatch"
	"github.com/tjfontaine/chat-gateway/internal/domain"
)

// ErrorResponse is a serialized error ready to write.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ToCanonicalError converts any error to a domain.APIError.
// Dispatch failures become upstream errors; anything else is a generic server error.
func ToCanonicalError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if de, ok := dispatch.AsError(err); ok {
		return domain.ErrDispatch("failed to communicate with the provider: " + de.Error()).WithCause(err)
	}
	return domain.NewAPIError(domain.ErrorTypeServer, err.Error()).WithCause(err)
}

// FormatError renders err as {"error": ...}. Validation errors keep the field-keyed
// shape {"error": {"<field>": ["<message>"]}}.
func FormatError(err error) *ErrorResponse {
	apiErr := ToCanonicalError(err)

	var detail any = apiErr.Message
	if apiErr.Code == domain.ErrorCodeValidation && apiErr.Param != "" {
		detail = map[string][]string{apiErr.Param: {apiErr.Message}}
	}

	body, _ := json.Marshal(map[string]any{
		"error": detail,
	})

	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

// WriteError writes err as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	resp := FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
