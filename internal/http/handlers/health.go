package handlers

import "net/http"

// Health reports liveness and which backends are configured, so operators
// can see at a glance why generations might be failing over.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": a.Orchestrator.Providers(),
	})
}
