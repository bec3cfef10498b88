package server

import (
	"encoding/json"
	"net/http"
)

// CacheStatus reports the observable state of the cache engine for the
// health endpoint.
type CacheStatus interface {
	Len() int
	Size() int64
}

// NewRouter mounts the operational endpoints next to the catch-all proxy
// coordinator. Proxied paths shadowing /metrics or /healthz lose; the
// operational surface wins.
func NewRouter(coordinator http.Handler, metricsHandler http.Handler, status CacheStatus) http.Handler {
	if coordinator == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "proxy unavailable", http.StatusServiceUnavailable)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		payload := map[string]any{"status": "ok"}
		if status != nil {
			payload["cacheEntries"] = status.Len()
			payload["cacheBytes"] = status.Size()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.Handle("/", coordinator)
	return mux
}
