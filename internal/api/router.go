package api

import (
	"net/http"

	"collab-canvas/internal/middleware"

	"github.com/gorilla/mux"
)

// SetupRoutes builds the router. allowedOrigin feeds the CORS headers.
func SetupRoutes(h *Handler, allowedOrigin string) *mux.Router {
	r := mux.NewRouter()

	// Tracing first so recovered panics land on the request span. Routes
	// accept OPTIONS so preflights reach the CORS middleware.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware(allowedOrigin))

	r.HandleFunc("/", h.Health).Methods(http.MethodGet, http.MethodOptions)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/metrics", h.GetMetrics).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/rooms/{id}", h.GetRoom).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/rooms/{id}/history", h.GetHistory).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/rooms/{id}/qr", h.GetQRCode).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/rooms/{id}/snapshot", h.GetSnapshot).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/ws", h.HandleWebSocket)

	return r
}
