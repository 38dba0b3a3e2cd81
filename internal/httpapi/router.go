// Package httpapi wires the job API routes and middleware.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"avatarpipe/internal/httpapi/handlers"
	"avatarpipe/internal/httpkit"
	"avatarpipe/internal/pkg/logger"
	"avatarpipe/internal/pkg/middleware"
)

type Deps struct {
	Handlers       handlers.Deps
	AllowedOrigins []string
	// RequestTimeout bounds non-streaming requests.
	RequestTimeout time.Duration
	Log            *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Handlers.Log == nil {
		d.Handlers.Log = log
	}
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Timeout(timeout))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAgeSeconds:  600,
	}))

	h := handlers.New(d.Handlers)
	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	// ---- HEALTH ----
	r.Get("/health", h.Health)

	// ---- JOBS ----
	r.Post("/jobs", wrap(h.PostJob))
	r.Get("/jobs", wrap(h.ListJobs))
	r.Get("/jobs/{jobId}", wrap(h.GetJob))

	// ---- PROGRESS ----
	r.Get("/jobs/{jobId}/events", wrap(h.JobEvents))
	r.Get("/events", wrap(h.AllEvents))

	// ---- MEDIA ----
	r.Get("/video/{jobId}.mp4", wrap(h.Video))

	return r
}
