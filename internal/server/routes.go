package server

import (
	"log/slog"
	"net/http"
)

// NewRouter creates the HTTP router with all routes configured. It uses
// Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, secret string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /process", h.Process)
	mux.HandleFunc("GET /status/{uploadId}", h.GetStatus)
	mux.HandleFunc("GET /result/{uploadId}", h.GetResult)
	mux.HandleFunc("POST /cron/cleanup-checkpoints", h.SweepCheckpoints)

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		AuthMiddleware(secret, logger),
	)

	return chain(mux)
}
