package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/salmart/salmart-backend/internal/handlers"
	"github.com/salmart/salmart-backend/internal/middleware"
)

// Options are the cross-cutting pieces the router needs besides the handler.
type Options struct {
	AllowedOrigins []string
	AllowedHost    string
	Production     bool
}

// NewRouter wires the chat API. /health and /ws/chat sit outside Auth: the
// WebSocket handler verifies its own token because browsers cannot set headers on
// the handshake.
func NewRouter(h *handlers.ChatHandler, opts Options) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.CORS(opts.AllowedOrigins))
	if opts.Production {
		for _, mw := range middleware.ProductionSecurity(opts.AllowedHost) {
			r.Use(mw)
		}
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	// WebSocket endpoint for realtime chat
	r.Get("/ws/chat", h.ChatWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(h.JWTSecret))
		r.Use(middleware.ChatReadRateLimit)

		r.Get("/chat/history", h.LoadChatHistory)
		r.With(h.Limiter.SendRateLimit).Post("/chat/messages", h.SendMessage)
		r.Post("/chat/seen", h.MarkSeen)
		r.Get("/chat/conversations", h.ListConversations)

		r.Get("/bargain/session", h.GetBargainSession)

		r.Post("/upload", h.UploadAttachment)
	})

	return r
}
