package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browser-orchestrator/internal/metrics"
	"github.com/shehryarbajwa/browser-orchestrator/internal/proxy"
	"github.com/shehryarbajwa/browser-orchestrator/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes. proxyServer, rateLimiter and m
// may be nil, which drops the streaming routes, throttling and metrics
// respectively.
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.ClientLimiter, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods("GET")
	}

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Page lifecycle and commands (rate limited)
	limited := api.PathPrefix("").Subrouter()
	if rateLimiter != nil {
		limited.Use(RateLimitMiddleware(rateLimiter))
	}
	limited.HandleFunc("/pages", h.CreatePage).Methods("POST")
	limited.HandleFunc("/pages", h.ListPages).Methods("GET")
	limited.HandleFunc("/pages/{id}", h.GetPage).Methods("GET")
	limited.HandleFunc("/pages/{id}", h.DestroyPage).Methods("DELETE")
	limited.HandleFunc("/pages/{id}/navigate", h.NavigatePage).Methods("POST")
	limited.HandleFunc("/pages/{id}/execute", h.ExecuteScript).Methods("POST")
	limited.HandleFunc("/navigate/batch", h.NavigateBatch).Methods("POST")

	// Screenshot endpoint (not rate limited - frequent polling)
	api.HandleFunc("/pages/{id}/screenshot", h.CaptureScreenshot).Methods("GET")

	// Operator endpoints
	api.HandleFunc("/statistics", h.GetStatistics).Methods("GET")
	api.HandleFunc("/config", h.GetConfig).Methods("GET")
	api.HandleFunc("/config", h.UpdateConfig).Methods("PATCH")
	api.HandleFunc("/shutdown", h.Shutdown).Methods("POST")

	// Streams
	if proxyServer != nil {
		api.HandleFunc("/events", proxyServer.HandleEvents).Methods("GET")
		api.HandleFunc("/devtools", proxyServer.HandleDevTools).Methods("GET")
	}

	// Preflight requests for any path; corsMiddleware answers them.
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r.Use(corsMiddleware)
	r.Use(LoggingMiddleware(h.log, m))

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Client-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
