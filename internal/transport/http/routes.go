package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phuslu/log"
	httpSwagger "github.com/swaggo/http-swagger"
)

func Routes(h *Handler, logger *log.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// our logger (after RequestID)
	r.Use(RequestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	// Single-job reads and event streams are open polling surfaces.
	// Listings, cancellation, execute and publish require a principal:
	// the internal service secret or an admin session.
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Get("/", h.requireAuth(h.ListJobs))
		r.Get("/{id}", h.GetJob)
		r.Post("/{id}/cancel", h.requireAuth(h.CancelJob))
		r.Get("/{id}/events", h.StreamEvents)
	})

	r.Route("/articles", func(r chi.Router) {
		r.Post("/", h.CreateArticleJob)
		r.Get("/", h.requireAuth(h.ListArticleJobs))
		r.Get("/{id}", h.GetArticleJob)
		r.Post("/{id}/cancel", h.requireAuth(h.CancelArticleJob))
		r.Get("/{id}/events", h.StreamEvents)
		r.Post("/{id}/execute", h.requireAuth(h.ExecuteArticleJob))
		r.Post("/{id}/publish", h.requireAuth(h.PublishArticleJob))
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}

func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := h.gate.Authenticate(r)
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		h.logger.Debug().
			Str("principal_kind", string(principal.Kind)).
			Str("path", r.URL.Path).
			Msg("restricted endpoint authorized")

		next(w, r)
	}
}
