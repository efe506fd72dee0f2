// Package adminapi provides the Relay's read-only introspection HTTP API
// (§4.10/§6): published ports, connected Agent sessions, and the audit log,
// all behind an optional RS256 JWT bearer check, following the teacher's
// chi + golang-jwt layout.
package adminapi

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaytun/tunnel/internal/adminapi/events"
)

// NewRouter returns a configured chi.Router for the Relay's admin API.
//
// Route layout:
//
//	GET /healthz            – liveness probe (no authentication required)
//	GET /api/v1/ports       – published ports, owning agent, queue depth
//	GET /api/v1/sessions    – connected Agent sessions and last heartbeat
//	GET /api/v1/audit       – tamper-evident audit log query
//	GET /api/v1/events/ws   – live WebSocket feed of registry mutations
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/ports", srv.handleGetPorts)
		r.Get("/sessions", srv.handleGetSessions)
		r.Get("/audit", srv.handleGetAudit)
		if srv.events != nil {
			r.Handle("/events/ws", events.NewHandler(srv.events, srv.logger, 0))
		}
	})

	return r
}
