package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the OpenAI compatible and admin routes
func NewRouter(chat *ChatHandler, admin *AdminHandler, middleware *Middleware) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware)

	// Health check (no auth required)
	r.Get("/health", HandleHealth)

	// API routes (with auth and rate limiting). Chat streams may outlive any fixed
	// timeout, so only the short routes get one.
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.RateLimitMiddleware)

		r.With(chimiddleware.Timeout(10*time.Second)).Get("/models", HandleModels)
		r.Post("/chat/completions", chat.HandleChatCompletion)
	})

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminMiddleware)
		r.Use(chimiddleware.Timeout(30 * time.Second))

		r.Get("/get/tokens", admin.HandleGetTokens)
		r.Post("/add/token", admin.HandleAddToken)
		r.Post("/delete/token", admin.HandleDeleteToken)
		r.Post("/set/cf_clearance", admin.HandleSetClearance)
		r.Get("/get/usage_statistics", admin.HandleUsageStatistics)
		r.Get("/get/request_logs", admin.HandleRequestLogs)
	})

	return r
}
