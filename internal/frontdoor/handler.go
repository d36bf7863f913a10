// Package frontdoor exposes the chat gateway over JSON HTTP endpoints.
package frontdoor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/chat-gateway/internal/codec"
	"github.com/tjfontaine/chat-gateway/internal/domain"
	"github.com/tjfontaine/chat-gateway/internal/gateway"
	"github.com/tjfontaine/chat-gateway/internal/ratelimit"
	"github.com/tjfontaine/chat-gateway/internal/server"
	"github.com/tjfontaine/chat-gateway/internal/storage"
)

const maxBodyBytes = 1 << 20

// Gateway is the orchestrator surface the handlers drive.
type Gateway interface {
	Send(ctx context.Context, req gateway.Request) (*gateway.Result, error)
	Reset(ctx context.Context, client domain.ClientInfo, conversationID string) (string, int, error)
}

type Handler struct {
	gateway        Gateway
	keys           *KeySource
	exchanges      storage.ExchangeReader
	trustForwarded bool
	now            func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithExchangeLog serves the read-only exchange endpoints from log.
func WithExchangeLog(log storage.ExchangeReader) HandlerOption {
	return func(h *Handler) {
		h.exchanges = log
	}
}

func NewHandler(gw Gateway, keys *KeySource, trustForwarded bool, opts ...HandlerOption) *Handler {
	h := &Handler{
		gateway:        gw,
		keys:           keys,
		trustForwarded: trustForwarded,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) client(r *http.Request) domain.ClientInfo {
	return domain.ClientInfo{
		Key:       ratelimit.ClientKey(r, h.trustForwarded),
		UserAgent: r.UserAgent(),
	}
}

// HandleSendText serves POST /api/send_text.
func (h *Handler) HandleSendText(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		err = domain.ErrValidation("body", "Invalid JSON body.").WithCause(err)
		server.AddError(r.Context(), err)
		codec.WriteError(w, err)
		return
	}
	req.Client = h.client(r)

	server.AddLogField(r.Context(), "model", req.Model)
	server.AddLogField(r.Context(), "client", req.Client.Key)

	res, err := h.gateway.Send(r.Context(), req)
	if res != nil {
		info := &server.RateLimitInfo{
			Limit:     res.RateLimit.Limit,
			Remaining: res.RateLimit.Remaining,
			Reset:     res.RateLimit.Reset,
		}
		if !res.RateLimit.Allowed {
			info.RetryAfter = res.RateLimit.RetryAfter(h.now())
		}
		server.SetRateLimits(r.Context(), info)
	}
	if err != nil {
		server.AddError(r.Context(), err)
		codec.WriteError(w, err)
		return
	}

	cache := "miss"
	if res.Cached {
		cache = "hit"
	}
	server.AddLogField(r.Context(), "conversation_id", res.Reply.ConversationID)
	server.AddLogField(r.Context(), "cache", cache)
	server.AddLogField(r.Context(), "attempts", strconv.Itoa(res.Attempts))

	writeJSON(w, http.StatusOK, res.Reply)
}

type resetRequest struct {
	ConversationID string `json:"conversation_id"`
}

// HandleReset serves POST /reset_conversation. The body is optional.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		err = domain.ErrValidation("body", "Invalid JSON body.").WithCause(err)
		server.AddError(r.Context(), err)
		codec.WriteError(w, err)
		return
	}

	key, n, err := h.gateway.Reset(r.Context(), h.client(r), req.ConversationID)
	if err != nil {
		server.AddError(r.Context(), err)
		codec.WriteError(w, err)
		return
	}
	server.AddLogField(r.Context(), "conversation_id", key)

	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Conversation reset (%d messages cleared)", n),
	})
}

// HandleRapidAPIKey serves GET /api/get_rapidapi_key.
func (h *Handler) HandleRapidAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Get(r.Context())
	if err != nil {
		server.AddError(r.Context(), err)
		codec.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// HandleHealth serves GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
