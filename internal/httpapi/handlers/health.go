package handlers

import (
	"context"
	"net/http"
	"time"

	"avatarpipe/internal/httpkit"
)

// Health reports liveness; ?deep=true also probes the broker, the job
// repository, Redis and the storage provider.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	health := map[string]any{
		"status":  "ok",
		"service": "avatarpipe",
		"version": h.version,
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for _, check := range checks {
			if check["status"] != "ok" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	httpkit.WriteJSON(w, status, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	checks := map[string]map[string]any{
		"broker": h.checkBroker(),
	}
	if h.jobs != nil {
		checks["jobs"] = probe(ctx, h.jobs.Ping)
	}
	if h.rdb != nil {
		checks["redis"] = probe(ctx, func(ctx context.Context) error {
			return h.rdb.Ping(ctx).Err()
		})
	}
	if h.sp != nil {
		checks["storage"] = map[string]any{
			"status":   "ok",
			"provider": h.sp.Provider(),
		}
	}
	return checks
}

func (h *Handler) checkBroker() map[string]any {
	if h.queue != nil && h.queue.Connected() {
		return map[string]any{"status": "ok", "queue": h.inputName}
	}
	return map[string]any{"status": "error", "error": "not connected"}
}

func probe(ctx context.Context, ping func(context.Context) error) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}
