package frontdoor

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/chat-gateway/internal/codec"
	"github.com/tjfontaine/chat-gateway/internal/domain"
	"github.com/tjfontaine/chat-gateway/internal/server"
	"github.com/tjfontaine/chat-gateway/internal/storage"
)

const (
	defaultExchangeLimit = 50
	maxExchangeLimit     = 200
)

// exchangeView is the wire form of an audited exchange. The client address is omitted.
type exchangeView struct {
	ID             string            `json:"id"`
	Time           time.Time         `json:"time"`
	ConversationID string            `json:"conversation_id"`
	Model          domain.ProviderID `json:"model"`
	UserMessage    string            `json:"user_message"`
	Reply          string            `json:"reply"`
	RawResponse    json.RawMessage   `json:"raw_response,omitempty"`
	Cached         bool              `json:"cached"`
	Attempts       int               `json:"attempts"`
	DurationMS     int64             `json:"duration_ms"`
	Location       string            `json:"location"`
	Device         string            `json:"device"`
	PromptTokens   int               `json:"prompt_tokens"`
	ReplyTokens    int               `json:"reply_tokens"`
}

func newExchangeView(rec *storage.ExchangeRecord) exchangeView {
	return exchangeView{
		ID:             rec.ID,
		Time:           rec.Time.UTC(),
		ConversationID: rec.ConversationID,
		Model:          rec.Model,
		UserMessage:    rec.UserMessage,
		Reply:          rec.Reply,
		RawResponse:    rec.RawResponse,
		Cached:         rec.Cached,
		Attempts:       rec.Attempts,
		DurationMS:     rec.Duration.Milliseconds(),
		Location:       rec.Location,
		Device:         rec.Device,
		PromptTokens:   rec.PromptTokens,
		ReplyTokens:    rec.ReplyTokens,
	}
}

// HandleListExchanges serves GET /api/conversations/{id}/exchanges?limit=N.
func (h *Handler) HandleListExchanges(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	server.AddLogField(r.Context(), "conversation_id", convID)

	limit := defaultExchangeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxExchangeLimit {
			verr := domain.ErrValidation("limit", "Must be between 1 and "+strconv.Itoa(maxExchangeLimit)+".")
			server.AddError(r.Context(), verr)
			codec.WriteError(w, verr)
			return
		}
		limit = n
	}

	recs, err := h.exchanges.ListExchanges(r.Context(), convID, limit)
	if err != nil {
		server.AddError(r.Context(), err)
		codec.WriteError(w, err)
		return
	}

	views := make([]exchangeView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newExchangeView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": convID,
		"exchanges":       views,
	})
}

// HandleGetExchange serves GET /api/exchanges/{id}.
func (h *Handler) HandleGetExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.exchanges.GetExchange(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		err = domain.ErrNotFound("exchange " + strconv.Quote(id) + " not found").WithCause(err)
	}
	if err != nil {
		server.AddError(r.Context(), err)
		codec.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newExchangeView(rec))
}
