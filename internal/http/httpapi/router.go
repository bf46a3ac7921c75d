package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/theazureday/story-creator/internal/http/handlers"
	"github.com/theazureday/story-creator/internal/infra"
	"github.com/theazureday/story-creator/internal/middleware"
)

// NewRouter wires the HTTP surface: generation, standalone matting,
// health, and static serving of produced assets.
func NewRouter(app *handlers.App, cfg *infra.Config, logger infra.Logger) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP, chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(nil))
	if cfg.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/images", func(r chi.Router) {
		r.Post("/generate", app.GenerateImage)
		r.Post("/matte", app.MatteImage)
	})

	if app.Store != nil {
		fileServer := stdhttp.FileServer(stdhttp.Dir(app.Store.BasePath()))
		r.Handle("/static/*", stdhttp.StripPrefix("/static/", fileServer))
	}

	return r
}
