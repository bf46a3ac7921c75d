package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/theazureday/story-creator/internal/imagegen"
	"github.com/theazureday/story-creator/internal/infra"
	"github.com/theazureday/story-creator/internal/matting"
	"github.com/theazureday/story-creator/internal/storage"
)

// App bundles the handler dependencies: the provider chain, the matting
// configuration and the asset store results are served from.
type App struct {
	Logger       infra.Logger
	Orchestrator *imagegen.Orchestrator
	Matte        matting.Config
	Store        *storage.FileStore
	AssetBaseURL string
}

// NewApp wires the handler container.
func NewApp(logger infra.Logger, orch *imagegen.Orchestrator, matte matting.Config, store *storage.FileStore, assetBaseURL string) *App {
	return &App{
		Logger:       logger,
		Orchestrator: orch,
		Matte:        matte,
		Store:        store,
		AssetBaseURL: strings.TrimRight(assetBaseURL, "/"),
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, message string) {
	a.json(w, code, map[string]string{"error": slug, "message": message})
}

// assetURL joins a storage key onto the public base URL.
func (a *App) assetURL(key string) string {
	return a.AssetBaseURL + "/" + strings.TrimLeft(key, "/")
}

// statusForKind maps the pipeline failure taxonomy onto HTTP statuses.
func statusForKind(kind imagegen.Kind) (int, string) {
	switch kind {
	case imagegen.KindValidation:
		return http.StatusBadRequest, "bad_request"
	case imagegen.KindNotConfigured:
		return http.StatusServiceUnavailable, "not_configured"
	case imagegen.KindRateLimited:
		return http.StatusTooManyRequests, "rate_limited"
	case imagegen.KindTimedOut:
		return http.StatusGatewayTimeout, "timed_out"
	default:
		return http.StatusBadGateway, "generation_failed"
	}
}
