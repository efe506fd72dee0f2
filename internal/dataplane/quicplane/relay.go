// Package quicplane implements the QUIC variant of the data plane (§4.9):
// one long-lived QUIC connection per Agent carrying a control stream plus a
// dedicated bidirectional stream per User connection, framed with
// {len, conn_id, payload} records (package wire).
package quicplane

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/relaytun/tunnel/internal/metrics"
	"github.com/relaytun/tunnel/internal/pump"
	"github.com/relaytun/tunnel/internal/registry"
	"github.com/relaytun/tunnel/internal/wire"
)

// Per §4.9's QUIC configuration contract: idle timeout >= 300s, large-BDP
// flow control windows.
const (
	IdleTimeout          = 300 * time.Second
	StreamReadWindow     = 256 * 1024 * 1024
	ConnectionReadWindow = 1024 * 1024 * 1024
	readyPollInterval    = 100 * time.Millisecond
	readyPollAttempts    = 50
	agentLivenessTimeout = 30 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:             IdleTimeout,
		MaxStreamReceiveWindow:     StreamReadWindow,
		MaxConnectionReceiveWindow: ConnectionReadWindow,
		KeepAlivePeriod:            IdleTimeout / 3,
	}
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	ListenAddr string
	CertFile   string // optional; auto-generated self-signed cert if empty
	KeyFile    string
	Logger     *slog.Logger
	Metrics    *metrics.Metrics // nil disables metrics recording
}

// binding is one outstanding Relay-initiated stream awaiting the Agent's
// CMD_CONNECTION_ACK.
type binding struct {
	readyOnce sync.Once
	ready     chan struct{}
}

// agentSession is one connected Agent's QUIC connection plus its control
// stream and outstanding stream bindings.
type agentSession struct {
	conn    *quic.Conn
	control *quic.Stream
	agent   *registry.AgentSession

	controlMu sync.Mutex

	mu         sync.Mutex
	bindings   map[uint32]*binding
	nextConnID atomic.Uint32
}

func (s *agentSession) sendControl(f wire.QUICFrame) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return wire.WriteQUICFrame(s.control, f)
}

// Relay is the Relay-side QUIC data plane.
type Relay struct {
	cfg RelayConfig
	reg *registry.Registry
	log *slog.Logger
	m   *metrics.Metrics // nil disables metrics recording

	ready     chan struct{}
	readyOnce sync.Once
	boundAddr string

	mu       sync.Mutex
	sessions map[uuid.UUID]*registry.AgentSession
}

// NewRelay creates a Relay backed by reg.
func NewRelay(cfg RelayConfig, reg *registry.Registry) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{cfg: cfg, reg: reg, log: cfg.Logger, m: cfg.Metrics, ready: make(chan struct{}), sessions: make(map[uuid.UUID]*registry.AgentSession)}
}

// Sessions returns the currently connected Agent sessions, for the admin
// introspection API.
func (r *Relay) Sessions() []*registry.AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registry.AgentSession, 0, len(r.sessions))
	for _, a := range r.sessions {
		out = append(out, a)
	}
	return out
}

// Run binds the QUIC listener and serves until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	cert, err := loadOrGenerateCert(r.cfg.CertFile, r.cfg.KeyFile)
	if err != nil {
		return err
	}
	tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{ALPN}}

	ln, err := quic.ListenAddr(r.cfg.ListenAddr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("quicplane: listen %s: %w", r.cfg.ListenAddr, err)
	}
	defer ln.Close()

	r.boundAddr = ln.Addr().String()
	r.readyOnce.Do(func() { close(r.ready) })

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("quicplane: accept error", slog.Any("error", err))
			continue
		}
		go r.serveSession(ctx, conn)
	}
}

// Addr blocks until Run has bound its listener, then returns its address.
func (r *Relay) Addr(ctx context.Context) (string, error) {
	select {
	case <-r.ready:
		return r.boundAddr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Relay) serveSession(ctx context.Context, conn *quic.Conn) {
	control, err := conn.AcceptStream(ctx)
	if err != nil {
		r.log.Warn("quicplane: accept control stream failed", slog.Any("error", err))
		_ = conn.CloseWithError(0, "no control stream")
		return
	}

	agent := registry.NewAgentSession()
	sess := &agentSession{conn: conn, control: control, agent: agent, bindings: make(map[uint32]*binding)}
	log := r.log.With(slog.String("agent_id", agent.ID.String()))
	log.Info("quicplane: agent connected")

	r.mu.Lock()
	r.sessions[agent.ID] = agent
	r.mu.Unlock()
	if r.m != nil {
		r.m.ActiveSessions.Add(1)
	}

	defer func() {
		r.mu.Lock()
		delete(r.sessions, agent.ID)
		r.mu.Unlock()
		r.reg.DestroySession(agent)
		if r.m != nil {
			r.m.ActiveSessions.Add(-1)
		}
		_ = conn.CloseWithError(0, "session closed")
		log.Info("quicplane: agent disconnected")
	}()

	stopLiveness := make(chan struct{})
	defer close(stopLiveness)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopLiveness:
				return
			case <-ticker.C:
				if !agent.IsLive(agentLivenessTimeout) {
					_ = conn.CloseWithError(1, "liveness timeout")
					return
				}
			}
		}
	}()

	for {
		frame, err := wire.ReadQUICFrame(control)
		if err != nil {
			return
		}
		agent.Touch()
		if r.m != nil {
			r.m.ControlFrames.Add(1)
		}

		switch frame.Code {
		case wire.QUICHeartbeat:
			// liveness already refreshed.
		case wire.QUICRegisterPort:
			port := int(frame.Port)
			outcome, pp, err := r.reg.Register(agent, port)
			reply := wire.QUICFrame{Code: wire.QUICRegisterPort, Port: frame.Port}
			if outcome != registry.OutcomeOK {
				reply.Port = 0
				if err != nil {
					log.Warn("quicplane: register error", slog.Int("port", port), slog.Any("error", err))
				}
			} else {
				go r.acceptUsers(ctx, sess, pp)
			}
			if err := sess.sendControl(reply); err != nil {
				return
			}
		case wire.QUICUnregisterPort:
			r.reg.Unregister(int(frame.Port))
			if err := sess.sendControl(wire.QUICFrame{Code: wire.QUICUnregisterPort, Port: frame.Port}); err != nil {
				return
			}
		case wire.QUICConnectionAck:
			sess.mu.Lock()
			b := sess.bindings[frame.StreamID]
			sess.mu.Unlock()
			if b != nil {
				b.readyOnce.Do(func() { close(b.ready) })
			}
		default:
			log.Warn("quicplane: unexpected control frame", slog.Any("code", frame.Code))
			return
		}
	}
}

// acceptUsers serves one PublishedPort's listener for the QUIC variant: each
// accepted User connection gets a dedicated Relay-opened stream per §4.9's
// handshake.
func (r *Relay) acceptUsers(ctx context.Context, sess *agentSession, pp *registry.PublishedPort) {
	for {
		userConn, err := pp.Listener.Accept()
		if err != nil {
			return
		}
		go r.bindUser(ctx, sess, pp.Port, userConn)
	}
}

func (r *Relay) bindUser(ctx context.Context, sess *agentSession, port int, userConn net.Conn) {
	connID := sess.nextConnID.Add(1)

	stream, err := sess.conn.OpenStreamSync(ctx)
	if err != nil {
		r.log.Warn("quicplane: open stream failed", slog.Int("port", port), slog.Any("error", err))
		_ = userConn.Close()
		return
	}
	streamID := uint32(stream.StreamID())

	b := &binding{ready: make(chan struct{})}
	sess.mu.Lock()
	sess.bindings[streamID] = b
	sess.mu.Unlock()
	defer func() {
		sess.mu.Lock()
		delete(sess.bindings, streamID)
		sess.mu.Unlock()
	}()

	if err := sess.sendControl(wire.QUICFrame{Code: wire.QUICConnection, StreamID: streamID, Port: uint32(port), ConnID: connID}); err != nil {
		_ = userConn.Close()
		_ = stream.Close()
		return
	}

	ready := false
	for i := 0; i < readyPollAttempts && !ready; i++ {
		select {
		case <-b.ready:
			ready = true
		case <-time.After(readyPollInterval):
		case <-ctx.Done():
			_ = userConn.Close()
			_ = stream.Close()
			return
		}
	}
	if !ready {
		r.log.Warn("quicplane: stream never acked, abandoning", slog.Int("port", port), slog.Uint64("stream_id", uint64(streamID)))
		_ = userConn.Close()
		_ = stream.Close()
		return
	}

	if r.m != nil {
		r.m.ActivePumps.Add(1)
		defer r.m.ActivePumps.Add(-1)
	}
	stats := pump.Pair(newFramedConn(stream, connID), userConn, fmt.Sprintf("port-%d", port), 0, r.log)
	if r.m != nil {
		r.m.BytesPumpedTotal.Add(stats.BytesAToB.Load() + stats.BytesBToA.Load())
	}
}
