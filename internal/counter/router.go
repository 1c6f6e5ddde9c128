package counter

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Limits is echoed on the root info endpoint.
type Limits struct {
	CompletionTokensPerMinute   int `json:"token_limit_per_minute"`
	CompletionRequestsPerMinute int `json:"rate_limit_per_minute"`
	EmbeddingTokensPerMinute    int `json:"embedding_token_limit_per_minute"`
	EmbeddingRequestsPerMinute  int `json:"embedding_rate_limit_per_minute"`
	WhisperRequestsPerMinute    int `json:"whisper_rate_limit_per_minute"`
}

// NewRouter mounts the three budget groups plus the info and health
// endpoints.
func NewRouter(h *Handler, limits Limits) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"app":    "llm-quota counter",
			"status": "running",
			"limits": limits,
		})
	})
	r.Get("/health", h.HandleHealth)

	r.Post("/lock", h.HandleLock)
	r.Post("/report", h.HandleReport)
	r.Post("/release", h.HandleRelease)
	r.Get("/status", h.HandleStatus)

	r.Route("/embedding", func(r chi.Router) {
		r.Post("/lock", h.HandleEmbeddingLock)
		r.Post("/report", h.HandleEmbeddingReport)
		r.Post("/release", h.HandleEmbeddingRelease)
		r.Get("/status", h.HandleEmbeddingStatus)
	})

	r.Route("/whisper", func(r chi.Router) {
		r.Post("/lock", h.HandleWhisperLock)
		r.Post("/report", h.HandleWhisperReport)
		r.Post("/release", h.HandleWhisperRelease)
		r.Get("/status", h.HandleWhisperStatus)
	})

	return r
}
