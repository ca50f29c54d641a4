package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tsxstudio/internal/events"
	"tsxstudio/internal/httpapi/handlers"
	"tsxstudio/internal/httpkit"
	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/pkg/metrics"
	"tsxstudio/internal/pkg/middleware"
)

type Deps struct {
	Handler  *handlers.Handler
	Log      *logger.Logger
	Verifier middleware.TokenVerifier
	Hub      *events.Hub
	Metrics  *metrics.Metrics

	CORSOrigins    []string
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h := d.Handler
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAgeSeconds:  600,
	}))

	// ---- HEALTH / METRICS ----
	r.Get("/health", h.Health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(log, d.Verifier))

		// Long-lived or large bodies: no request timeout.
		if d.Hub != nil {
			r.Get("/events", events.Handler(d.Hub, log, httpkit.CheckOrigin(d.CORSOrigins)))
		}
		r.Post("/transcribe", wrap(h.CreateTranscription))
		r.Get("/render/{id}/download", wrap(h.DownloadRender))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			// ---- AUTH ----
			r.Get("/auth/desktop", wrap(h.DesktopToken))

			// ---- PROJECTS ----
			r.Post("/projects", wrap(h.CreateProject))
			r.Get("/projects", wrap(h.ListProjects))
			r.Get("/projects/{projectId}", wrap(h.GetProject))
			r.Post("/projects/{projectId}/versions", wrap(h.CreateVersion))
			r.Get("/projects/{projectId}/versions", wrap(h.ListVersions))

			// ---- RENDER ----
			r.Post("/render", wrap(h.CreateRender))
			r.Get("/render", wrap(h.ListRenders))
			r.Put("/render", wrap(h.UpdateRender))
			r.Post("/render/sync", wrap(h.SyncRender))

			// ---- TRANSCRIBE ----
			r.Get("/transcribe", wrap(h.ListTranscriptions))
			r.Get("/transcribe/{id}", wrap(h.GetTranscription))
			r.Delete("/transcribe/{id}", wrap(h.DeleteTranscription))
			r.Get("/transcribe/{id}/download", wrap(h.DownloadTranscription))

			// ---- CREDITS ----
			r.Get("/user/credits", wrap(h.GetCredits))
			r.Get("/user/credits/history", wrap(h.CreditHistory))
			r.Post("/user/credits/signup", wrap(h.SignupGrant))
		})
	})

	return r
}
