// Package registry implements the Relay-side Port Registry (§4.7): the
// map from published port to its listener, owning AgentSession, and FIFO of
// accepted User connections awaiting a data-plane binding.
package registry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaytun/tunnel/internal/metrics"
)

// Outcome is the result of a Register call.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeBusy
	OutcomeError
)

// PendingUser is a User connection accepted on a PublishedPort's listener
// and queued awaiting a data-plane binding (§3).
type PendingUser struct {
	Conn       net.Conn
	AcceptedAt time.Time
}

// PublishedPort is one port currently published on behalf of an
// AgentSession.
type PublishedPort struct {
	Port     int
	Listener net.Listener
	AgentID  uuid.UUID

	mu    sync.Mutex
	queue []PendingUser
}

// enqueue appends a PendingUser to this port's FIFO.
func (p *PublishedPort) enqueue(pu PendingUser) {
	p.mu.Lock()
	p.queue = append(p.queue, pu)
	p.mu.Unlock()
}

// dequeue removes and returns the oldest PendingUser, or ok=false if empty.
func (p *PublishedPort) dequeue() (PendingUser, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return PendingUser{}, false
	}
	pu := p.queue[0]
	p.queue = p.queue[1:]
	return pu, true
}

// QueueDepth returns the current number of queued Users, for introspection.
func (p *PublishedPort) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// drainQueue closes and drops every queued User connection.
func (p *PublishedPort) drainQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pu := range p.queue {
		_ = pu.Conn.Close()
	}
	p.queue = nil
}

// AuditSink receives a notification for every registry mutation. The
// introspection audit log (internal/audit) implements this; tests and
// callers that don't need auditing may pass nil.
type AuditSink interface {
	RecordPortEvent(event string, port int, agentID uuid.UUID)
}

// AgentSession tracks the ports owned by one connected Agent, for the
// cascade-on-destroy semantics in §3.
type AgentSession struct {
	ID            uuid.UUID
	LastHeartbeat time.Time

	mu    sync.Mutex
	ports map[int]bool
}

// NewAgentSession creates a session with a fresh identifier.
func NewAgentSession() *AgentSession {
	return &AgentSession{
		ID:            uuid.New(),
		LastHeartbeat: time.Now(),
		ports:         make(map[int]bool),
	}
}

// Touch records an inbound frame for liveness purposes (§4.6: "any inbound
// frame" resets the deadline).
func (a *AgentSession) Touch() {
	a.mu.Lock()
	a.LastHeartbeat = time.Now()
	a.mu.Unlock()
}

// IsLive reports whether the session has been heard from within timeout.
func (a *AgentSession) IsLive(timeout time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.LastHeartbeat) < timeout
}

// LastSeen returns the timestamp of the last inbound frame, for
// introspection. Safe for concurrent use, unlike reading LastHeartbeat
// directly.
func (a *AgentSession) LastSeen() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.LastHeartbeat
}

func (a *AgentSession) ownedPorts() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.ports))
	for p := range a.ports {
		out = append(out, p)
	}
	return out
}

// Registry is the Relay-wide map of port -> PublishedPort. mu guards the map;
// each AgentSession's port set has its own mutex, which Register takes nested
// inside mu (§4.7/§5). Individual pumps run without touching shared state.
type Registry struct {
	listen  func(port int) (net.Listener, error)
	audit   AuditSink
	metrics *metrics.Metrics // nil disables metrics recording

	mu    sync.Mutex
	ports map[int]*PublishedPort
}

// New creates an empty Registry. listen is injected so tests can avoid
// binding real sockets; production callers should pass a function that binds
// 0.0.0.0:port (net.Listen("tcp", fmt.Sprintf(":%d", port))).
func New(listen func(port int) (net.Listener, error), audit AuditSink) *Registry {
	return &Registry{
		listen: listen,
		audit:  audit,
		ports:  make(map[int]*PublishedPort),
	}
}

// SetMetrics attaches m so Register/Unregister record counts and keep the
// active-ports gauge current. Optional; a Registry with no metrics attached
// behaves exactly as before.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Register binds a listener for port on behalf of agent. Returns OutcomeBusy
// without binding anything if the port is already owned by any session
// (including the same one), matching §3's "re-registration while held is
// rejected" invariant.
func (r *Registry) Register(agent *AgentSession, port int) (Outcome, *PublishedPort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RegisterPort.Add(1)
	}

	if _, exists := r.ports[port]; exists {
		r.recordAudit("busy", port, agent.ID)
		if r.metrics != nil {
			r.metrics.RegisterPortBusy.Add(1)
		}
		return OutcomeBusy, nil, nil
	}

	ln, err := r.listen(port)
	if err != nil {
		r.recordAudit("error", port, agent.ID)
		return OutcomeError, nil, fmt.Errorf("registry: listen on port %d: %w", port, err)
	}

	pp := &PublishedPort{Port: port, Listener: ln, AgentID: agent.ID}
	r.ports[port] = pp

	agent.mu.Lock()
	agent.ports[port] = true
	agent.mu.Unlock()

	r.recordAudit("register", port, agent.ID)
	if r.metrics != nil {
		r.metrics.ActivePorts.Add(1)
	}
	return OutcomeOK, pp, nil
}

// Unregister closes the listener and drops queued Users for port. Idempotent
// per §4.7: unregistering an already-absent port is a no-op.
func (r *Registry) Unregister(port int) {
	r.mu.Lock()
	pp, exists := r.ports[port]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.ports, port)
	r.recordAudit("unregister", port, pp.AgentID)
	if r.metrics != nil {
		r.metrics.UnregisterPort.Add(1)
		r.metrics.ActivePorts.Add(-1)
	}
	r.mu.Unlock()

	_ = pp.Listener.Close()
	pp.drainQueue()
}

// Lookup returns the PublishedPort for port, if any.
func (r *Registry) Lookup(port int) (*PublishedPort, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pp, ok := r.ports[port]
	return pp, ok
}

// Enqueue pushes an accepted User connection onto port's FIFO. Callers in
// the TCP data plane use this directly; the QUIC data plane does not queue
// and binds each accepted User to a new stream as soon as it arrives.
func (r *Registry) Enqueue(port int, conn net.Conn) bool {
	pp, ok := r.Lookup(port)
	if !ok {
		return false
	}
	pp.enqueue(PendingUser{Conn: conn, AcceptedAt: time.Now()})
	return true
}

// Dequeue pops the oldest queued User connection for port (TCP variant's
// CMD_DATA_CONNECT handler).
func (r *Registry) Dequeue(port int) (PendingUser, bool) {
	pp, ok := r.Lookup(port)
	if !ok {
		return PendingUser{}, false
	}
	return pp.dequeue()
}

// Snapshot lists every currently-published port, for the introspection API.
type Snapshot struct {
	Port       int
	AgentID    uuid.UUID
	QueueDepth int
}

// ListPorts returns a snapshot of every published port. The order of the
// entries is not defined.
func (r *Registry) ListPorts() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.ports))
	for _, pp := range r.ports {
		out = append(out, Snapshot{Port: pp.Port, AgentID: pp.AgentID, QueueDepth: pp.QueueDepth()})
	}
	return out
}

// DestroySession cascades the destruction of agent: every port it owns is
// unregistered (§3: "destruction cascades"). A port the agent registered
// earlier that is now published for another session is left alone.
func (r *Registry) DestroySession(agent *AgentSession) {
	for _, port := range agent.ownedPorts() {
		if pp, ok := r.Lookup(port); ok && pp.AgentID == agent.ID {
			r.Unregister(port)
		}
	}
}

func (r *Registry) recordAudit(event string, port int, agentID uuid.UUID) {
	if r.audit != nil {
		r.audit.RecordPortEvent(event, port, agentID)
	}
}
