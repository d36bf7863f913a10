package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tjfontaine/chat-gateway/internal/domain"
)

// maxErrorSummary bounds how much of an upstream error body is kept.
const maxErrorSummary = 512

// Error describes a failed provider call after retries are exhausted or a
// non-retriable failure occurred.
type Error struct {
	Provider domain.ProviderID

	// StatusCode is the last upstream status, or 0 when no response was received.
	StatusCode int

	// Attempts is the number of calls made, including the first.
	Attempts int

	// Summary is a truncated copy of the last upstream error body.
	Summary string

	// Cause is the underlying transport error, if any.
	Cause error

	// Retryable reports whether the last failure was transient.
	Retryable bool
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", e.Provider)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "http %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	} else {
		b.WriteString("request failed")
	}
	fmt.Fprintf(&b, " after %d attempt(s)", e.Attempts)
	if e.Summary != "" {
		b.WriteString(": ")
		b.WriteString(e.Summary)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// AsError extracts *Error from err.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func summarize(body []byte) string {
	s := strings.ToValidUTF8(strings.TrimSpace(string(body)), "\uFFFD")
	if len(s) <= maxErrorSummary {
		return s
	}
	cut := maxErrorSummary
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
