package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTelegramBaseURL is the Telegram Bot API endpoint.
const DefaultTelegramBaseURL = "https://api.telegram.org"

// telegramLimit is the Bot API maximum message length.
const telegramLimit = 4096

// TelegramSink posts each exchange to a chat through the Bot API sendMessage method.
type TelegramSink struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegramSink creates a sink; baseURL defaults to DefaultTelegramBaseURL.
func NewTelegramSink(token, chatID, baseURL string) *TelegramSink {
	if baseURL == "" {
		baseURL = DefaultTelegramBaseURL
	}
	return &TelegramSink{
		token:   token,
		chatID:  chatID,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Record sends the formatted exchange.
func (s *TelegramSink) Record(ctx context.Context, rec *Record) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    s.chatID,
		Text:      FormatTelegramMessage(rec),
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// The URL embeds the bot token; report only the transport failure.
		return fmt.Errorf("telegram sendMessage failed: %w", unwrapURLError(err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out sendMessageResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("telegram sendMessage status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}

// FormatTelegramMessage renders rec as an HTML chat message of at most telegramLimit
// characters. Embedded text is escaped; the longer of the user message and the reply is
// shortened until the message fits.
func FormatTelegramMessage(rec *Record) string {
	user, reply := rec.UserMessage, rec.Reply
	for {
		msg := renderTelegramMessage(rec, user, reply)
		over := utf8.RuneCountInString(msg) - telegramLimit
		if over <= 0 {
			return msg
		}
		userLen, replyLen := utf8.RuneCountInString(user), utf8.RuneCountInString(reply)
		switch {
		case replyLen > 1 && replyLen >= userLen:
			reply = truncateRunes(reply, over)
		case userLen > 1:
			user = truncateRunes(user, over)
		default:
			return string([]rune(msg)[:telegramLimit])
		}
	}
}

func renderTelegramMessage(rec *Record, user, reply string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Time:</b> <code>%s</code>\n", rec.Time.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "<b>Model:</b> <code>%s</code>\n", html.EscapeString(string(rec.Model)))
	fmt.Fprintf(&b, "<b>User Message:</b>\n<pre>%s</pre>\n", html.EscapeString(user))
	fmt.Fprintf(&b, "<b>IP:</b> <code>%s</code>\n", html.EscapeString(rec.Client.Key))
	fmt.Fprintf(&b, "<b>Location:</b> <code>%s</code>\n", html.EscapeString(rec.Location))
	fmt.Fprintf(&b, "<b>Device:</b> <code>%s</code>\n", html.EscapeString(rec.Device))
	if rec.Cached {
		b.WriteString("<b>Cached:</b> <code>yes</code>\n")
	}
	fmt.Fprintf(&b, "\n<b>AI Response:</b>\n<pre>%s</pre>\n", html.EscapeString(reply))
	b.WriteString("__________________________")
	return b.String()
}

// truncateRunes drops at least n runes from the end of s and marks the cut.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	keep := len(r) - n - 1
	if keep < 0 {
		keep = 0
	}
	return string(r[:keep]) + "…"
}

func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}
