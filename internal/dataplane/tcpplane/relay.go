// Package tcpplane implements the TCP variant of the data plane (§4.8): a
// control listener speaking the TCP control dialect (package wire) and a
// second data listener that binds each freshly-opened Agent data connection
// to the oldest queued User connection by FIFO order alone, per port.
package tcpplane

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaytun/tunnel/internal/metrics"
	"github.com/relaytun/tunnel/internal/pump"
	"github.com/relaytun/tunnel/internal/registry"
	"github.com/relaytun/tunnel/internal/wire"
)

const agentLivenessTimeout = 30 * time.Second

// controlConn serializes writes to one Agent's control socket:
// register/unregister acks and CMD_CONNECTION notifications can
// originate from different goroutines (the read loop and per-port accept
// loops), and §4.6 requires a single serialized writer.
type controlConn struct {
	mu    sync.Mutex
	conn  net.Conn
	agent *registry.AgentSession
}

func (c *controlConn) send(f wire.TCPFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.WriteTCPFrame(c.conn, f)
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	ControlAddr string // e.g. ":7000"
	DataAddr    string // e.g. ":7001" (control_port + 1)
	Logger      *slog.Logger
	Metrics     *metrics.Metrics // nil disables metrics recording
}

// Relay is the Relay-side TCP data plane: it owns the control and data
// listeners and the Port Registry they drive.
type Relay struct {
	cfg RelayConfig
	reg *registry.Registry
	log *slog.Logger
	m   *metrics.Metrics // nil disables metrics recording

	mu    sync.Mutex
	conns map[uuid.UUID]*controlConn

	ready            chan struct{}
	readyOnce        sync.Once
	boundControlAddr net.Addr
	boundDataAddr    net.Addr
}

// NewRelay creates a Relay backed by reg. reg's listen func should bind real
// 0.0.0.0:port sockets in production.
func NewRelay(cfg RelayConfig, reg *registry.Registry) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		cfg:   cfg,
		reg:   reg,
		log:   cfg.Logger,
		m:     cfg.Metrics,
		conns: make(map[uuid.UUID]*controlConn),
		ready: make(chan struct{}),
	}
}

// Run binds both listeners and serves until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	controlLn, err := net.Listen("tcp", r.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("tcpplane: listen control %s: %w", r.cfg.ControlAddr, err)
	}
	defer controlLn.Close()

	dataLn, err := net.Listen("tcp", r.cfg.DataAddr)
	if err != nil {
		return fmt.Errorf("tcpplane: listen data %s: %w", r.cfg.DataAddr, err)
	}
	defer dataLn.Close()

	r.boundControlAddr = controlLn.Addr()
	r.boundDataAddr = dataLn.Addr()
	r.readyOnce.Do(func() { close(r.ready) })

	go func() {
		<-ctx.Done()
		_ = controlLn.Close()
		_ = dataLn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.acceptControl(ctx, controlLn) }()
	go func() { defer wg.Done(); r.acceptData(ctx, dataLn) }()
	wg.Wait()
	return ctx.Err()
}

// Addrs blocks until Run has bound its listeners, then returns their actual
// addresses. Intended for tests that bind to ":0" and need the assigned
// ports.
func (r *Relay) Addrs(ctx context.Context) (control, data net.Addr, err error) {
	select {
	case <-r.ready:
		return r.boundControlAddr, r.boundDataAddr, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Sessions returns the currently connected Agent sessions, for the admin
// introspection API.
func (r *Relay) Sessions() []*registry.AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*registry.AgentSession, 0, len(r.conns))
	for _, cc := range r.conns {
		out = append(out, cc.agent)
	}
	return out
}

func (r *Relay) acceptControl(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("tcpplane: control accept error", slog.Any("error", err))
			continue
		}
		go r.serveControl(ctx, conn)
	}
}

func (r *Relay) serveControl(ctx context.Context, conn net.Conn) {
	agent := registry.NewAgentSession()
	cc := &controlConn{conn: conn, agent: agent}

	r.mu.Lock()
	r.conns[agent.ID] = cc
	r.mu.Unlock()

	log := r.log.With(slog.String("agent_id", agent.ID.String()))
	log.Info("tcpplane: agent control connected")
	if r.m != nil {
		r.m.ActiveSessions.Add(1)
	}

	defer func() {
		_ = conn.Close()
		r.mu.Lock()
		delete(r.conns, agent.ID)
		r.mu.Unlock()
		r.reg.DestroySession(agent)
		if r.m != nil {
			r.m.ActiveSessions.Add(-1)
		}
		log.Info("tcpplane: agent control disconnected")
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
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		frame, err := wire.ReadTCPFrame(conn)
		if err != nil {
			return
		}
		agent.Touch()
		if r.m != nil {
			r.m.ControlFrames.Add(1)
		}

		switch frame.Code {
		case wire.TCPHeartbeat:
			// liveness already refreshed above.
		case wire.TCPRegisterPort:
			port := int(frame.Port)
			outcome, pp, err := r.reg.Register(agent, port)
			reply := wire.TCPFrame{Code: wire.TCPRegisterPort, Port: frame.Port}
			if outcome != registry.OutcomeOK {
				reply.Port = 0
				if err != nil {
					log.Warn("tcpplane: register error", slog.Int("port", port), slog.Any("error", err))
				}
			} else {
				go r.acceptUsers(ctx, agent.ID, pp)
			}
			if err := cc.send(reply); err != nil {
				return
			}
		case wire.TCPUnregisterPort:
			port := int(frame.Port)
			r.reg.Unregister(port)
			if err := cc.send(wire.TCPFrame{Code: wire.TCPUnregisterPort, Port: frame.Port}); err != nil {
				return
			}
		default:
			log.Warn("tcpplane: unexpected control frame", slog.Any("code", frame.Code))
			return
		}
	}
}

// acceptUsers serves one PublishedPort's listener: every accepted User
// connection is queued and the owning Agent is notified via CMD_CONNECTION.
func (r *Relay) acceptUsers(ctx context.Context, agentID uuid.UUID, pp *registry.PublishedPort) {
	for {
		conn, err := pp.Listener.Accept()
		if err != nil {
			return
		}
		if !r.reg.Enqueue(pp.Port, conn) {
			_ = conn.Close()
			continue
		}
		r.mu.Lock()
		cc := r.conns[agentID]
		r.mu.Unlock()
		if cc == nil {
			continue
		}
		if err := cc.send(wire.TCPFrame{Code: wire.TCPConnection, Port: uint32(pp.Port)}); err != nil {
			r.log.Warn("tcpplane: notify agent failed", slog.Int("port", pp.Port), slog.Any("error", err))
		}
	}
}

func (r *Relay) acceptData(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("tcpplane: data accept error", slog.Any("error", err))
			continue
		}
		go r.serveDataConn(conn)
	}
}

// serveDataConn implements step 3-5 of §4.8's binding protocol: read the
// CMD_DATA_CONNECT handshake, dequeue the FIFO head for that port, and pair
// the two sockets. If no User is queued, the data connection is dropped.
func (r *Relay) serveDataConn(conn net.Conn) {
	frame, err := wire.ReadTCPFrame(conn)
	if err != nil || frame.Code != wire.TCPDataConnect {
		_ = conn.Close()
		return
	}
	port := int(frame.Port)
	pending, ok := r.reg.Dequeue(port)
	if !ok {
		_ = conn.Close()
		return
	}
	if r.m != nil {
		r.m.ActivePumps.Add(1)
		defer r.m.ActivePumps.Add(-1)
	}
	stats := pump.Pair(conn, pending.Conn, fmt.Sprintf("port-%d", port), 0, r.log)
	if r.m != nil {
		r.m.BytesPumpedTotal.Add(stats.BytesAToB.Load() + stats.BytesBToA.Load())
	}
}
