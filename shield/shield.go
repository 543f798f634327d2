// Package shield provides the HTTP guard middleware in front of the verifier:
// response headers, body limits, request tracing, maintenance mode, per-IP
// rate limiting and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	stack, guards := shield.DefaultAPIStack(db, logger)
//	guards.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultMaxBody caps JSON request bodies. Verification requests are a few
// hundred bytes.
const DefaultMaxBody = 64 * 1024

// Guards bundles the database-backed middlewares of a stack so the caller
// can refresh them.
type Guards struct {
	Maintenance *MaintenanceMode
	Limiter     *RateLimiter
}

// StartReloader starts the periodic reload of both guards. Stops when done
// is closed.
func (g *Guards) StartReloader(done <-chan struct{}) {
	g.Maintenance.StartReloader(done)
	g.Limiter.StartReloader(done)
}

// DefaultAPIStack returns the middleware stack of the verifier API, ordered:
// Maintenance → HeadAsGet → NoStoreHeaders → MaxBody → TraceID → RateLimiter.
// Health checks and /metrics bypass maintenance and rate limiting.
func DefaultAPIStack(db *sql.DB, logger *slog.Logger) ([]func(http.Handler) http.Handler, *Guards) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guards{
		Maintenance: NewMaintenanceMode(db, logger, "/health", "/metrics"),
		Limiter:     NewRateLimiter(db, logger, "/health", "/metrics"),
	}
	return []func(http.Handler) http.Handler{
		g.Maintenance.Middleware,
		HeadAsGet,
		NoStoreHeaders,
		MaxBody(DefaultMaxBody),
		TraceIDWith(logger),
		g.Limiter.Middleware,
	}, g
}
