package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agenthub/agenthub/internal/api/handlers"
	"github.com/agenthub/agenthub/internal/api/middleware"
	"github.com/agenthub/agenthub/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	if cfg.Telemetry.Enabled {
		r.Use(middleware.Telemetry)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Artifact-Token", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Idempotent-Replay"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", h.ListProjects)
			r.Post("/", h.CreateProject)
			r.Route("/{projectID}", func(r chi.Router) {
				r.Get("/", h.GetProject)
				r.Put("/", h.UpdateProject)
				r.Delete("/", h.DeleteProject)
				r.Post("/build", h.BuildProject)
				r.Delete("/build", h.CancelBuild)
				r.Get("/build/log", h.BuildLog)
				r.Get("/builds", h.ListBuilds)
				r.Post("/chats", h.StartChat)
			})
		})

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", h.ListChats)
			r.Route("/{chatID}", func(r chi.Router) {
				r.Get("/", h.GetChat)
				r.Delete("/", h.DeleteChat)
				r.Post("/stop", h.StopChat)
				r.Post("/restart", h.RestartChat)
				r.Post("/refresh", h.RefreshContainer)
				r.Post("/prompt", h.BeginPrompt)
				r.Get("/artifacts", h.ListChatArtifacts)
			})
		})

		r.Route("/artifacts", func(r chi.Router) {
			r.Post("/publish", h.PublishArtifact)
			r.Get("/{artifactID}/download", h.DownloadArtifact)
			r.Get("/{artifactID}/preview", h.PreviewArtifact)
		})
	})

	// Client synchronization channel
	r.Get("/ws", h.Sync)

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "agenthub-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agenthub-control-plane",
		})
	}
}
