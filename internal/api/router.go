package api

import (
	"net/http"
	"time"

	// This blank import is required by swaggo to find the API definitions.
	_ "flowchat/docs"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

// DefaultRequestTimeout bounds the non-streaming JSON routes.
const DefaultRequestTimeout = 60 * time.Second

// NewRouter creates and configures a new chi router with all the application's routes.
func NewRouter(chatHandler *ChatHandler, modelHandler *ModelHandler, requestTimeout time.Duration) *chi.Mux {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/swagger/*", httpSwagger.WrapHandler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		// JSON routes get a timeout so a stuck client cannot hold a connection forever.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/session", chatHandler.HandleGetSession)

			// --- Conversations ---
			r.Get("/conversations", chatHandler.HandleListConversations)
			r.Post("/conversations", chatHandler.HandleCreateConversation)
			r.Get("/conversations/{conversationID}", chatHandler.HandleGetConversation)
			r.Put("/conversations/{conversationID}/active", chatHandler.HandleSelectConversation)
			r.Delete("/conversations/{conversationID}", chatHandler.HandleDeleteConversation)

			r.Post("/turn/abort", chatHandler.HandleAbortTurn)

			// --- Models ---
			r.Get("/models", modelHandler.HandleListModels)
			r.Put("/models/selected", modelHandler.HandleSelectModel)
		})

		// Streaming routes hold the connection for the whole reply and must not time out.
		r.Group(func(r chi.Router) {
			r.Post("/messages", chatHandler.HandleStreamMessage)
		})
	})

	return r
}
