package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/relaytun/tunnel/internal/adminapi/events"
	"github.com/relaytun/tunnel/internal/audit"
	"github.com/relaytun/tunnel/internal/registry"
)

// PortLister is the subset of *registry.Registry the admin API depends on.
type PortLister interface {
	ListPorts() []registry.Snapshot
}

// SessionLister is implemented by whichever data-plane Relay (tcpplane or
// quicplane) is active.
type SessionLister interface {
	Sessions() []*registry.AgentSession
}

// Server holds the dependencies needed by the admin API handlers.
type Server struct {
	ports     PortLister
	sessions  SessionLister
	auditPath string // path passed to audit.Verify; empty disables the endpoint
	events    *events.Broadcaster // nil disables the live event feed
	logger    *slog.Logger
}

// NewServer creates a Server backed by the given Registry, data-plane Relay,
// audit log path, and live event broadcaster. bc may be nil to disable the
// /api/v1/events/ws endpoint.
func NewServer(ports PortLister, sessions SessionLister, auditPath string, bc *events.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ports: ports, sessions: sessions, auditPath: auditPath, events: bc, logger: logger}
}

// handleHealthz responds to GET /healthz. No authentication required.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type portView struct {
	Port       int       `json:"port"`
	AgentID    uuid.UUID `json:"agent_id"`
	QueueDepth int       `json:"queue_depth"`
}

// handleGetPorts responds to GET /api/v1/ports with every currently
// published port, its owning Agent, and its pending-User queue depth.
func (s *Server) handleGetPorts(w http.ResponseWriter, r *http.Request) {
	snaps := s.ports.ListPorts()
	out := make([]portView, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, portView{Port: sn.Port, AgentID: sn.AgentID, QueueDepth: sn.QueueDepth})
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionView struct {
	AgentID       uuid.UUID `json:"agent_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// handleGetSessions responds to GET /api/v1/sessions with every currently
// connected Agent session.
func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Sessions()
	out := make([]sessionView, 0, len(sessions))
	for _, a := range sessions {
		out = append(out, sessionView{AgentID: a.ID, LastHeartbeat: a.LastSeen()})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetAudit responds to GET /api/v1/audit by verifying and returning
// the full hash chain. Returns 404 if no audit log path was configured, 500
// if the chain fails verification (tamper or corruption).
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditPath == "" {
		writeError(w, http.StatusNotFound, "audit logging is not enabled")
		return
	}
	entries, err := audit.Verify(s.auditPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "audit chain verification failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
