package frontdoor

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/chat-gateway/internal/gateway"
	"github.com/tjfontaine/chat-gateway/internal/server"
)

// Mount registers the gateway endpoints on r. The exchange log endpoints exist only when
// the handler has an exchange log. When staticDir is set the client UI is served from it
// at the root.
func Mount(r chi.Router, h *Handler, staticDir string) {
	r.Get("/healthz", h.HandleHealth)

	r.With(server.RateLimitHeadersMiddleware).Post(gateway.SendTextPath, h.HandleSendText)
	r.Post("/reset_conversation", h.HandleReset)
	r.Get("/api/get_rapidapi_key", h.HandleRapidAPIKey)

	if h.exchanges != nil {
		r.Get("/api/conversations/{id}/exchanges", h.HandleListExchanges)
		r.Get("/api/exchanges/{id}", h.HandleGetExchange)
	}

	if staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(staticDir)))
	}
}
