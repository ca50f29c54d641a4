package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"tsxstudio/internal/httpkit"
)

// Health performs a health check of the service.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	// Basic health response
	health := map[string]any{
		"status":  "ok",
		"service": "tsxstudio-api",
		"version": h.version,
	}
	if h.storage != nil {
		health["storage"] = h.storage.Provider()
	}

	// Check if deep health check is requested
	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for _, c := range checks {
			if c["status"] != "ok" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

// deepHealthCheck runs every registered check with a 5s ceiling each.
func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]map[string]any, len(names))
	for _, name := range names {
		start := time.Now()
		result := map[string]any{"status": "ok"}

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := h.checks[name](checkCtx); err != nil {
			result["status"] = "error"
			result["error"] = err.Error()
		}
		cancel()

		result["latency_ms"] = time.Since(start).Milliseconds()
		out[name] = result
	}
	return out
}
