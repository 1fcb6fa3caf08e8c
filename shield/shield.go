// Package shield is the HTTP middleware stack in front of the docsync
// gateway: request tracing with a per-request logger, security headers,
// body limits, HEAD handling, SQLite-configured rate limiting and a
// maintenance switch that refuses new connections.
//
// Usage:
//
//	r := chi.NewRouter()
//	stack, mm, rl := shield.DefaultStack(db)
//	mm.StartReloader(done)
//	rl.StartReloader(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the gateway middleware, outermost first:
// Maintenance → HeadToGet → SecurityHeaders → MaxBody → TraceID → RateLimiter.
// /healthz bypasses maintenance and rate limiting. db must hold Schema.
func DefaultStack(db *sql.DB) ([]func(http.Handler) http.Handler, *MaintenanceMode, *RateLimiter) {
	mm := NewMaintenanceMode(db, "/healthz")
	rl := NewRateLimiter(db, "/healthz")
	return []func(http.Handler) http.Handler{
		mm.Middleware,
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(1 << 20),
		TraceID,
		rl.Middleware,
	}, mm, rl
}
