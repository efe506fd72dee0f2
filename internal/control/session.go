// Package control implements the Agent-side Control Session state machine
// (§4.6): Disconnected → Connecting → Connected → Draining → Disconnected,
// with bounded-retry reconnection, periodic heartbeats, and re-registration
// of every owned port before scanner-driven registrations resume. The frame
// encoding itself differs between the TCP and QUIC variants (package wire),
// so this package is driven through the small Transport interface below
// rather than hard-coding either dialect.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is one of the Control Session's states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// ConnectionRequest is a transport-agnostic view of an inbound
// CMD_CONNECTION notification. StreamID/ConnID are zero in the TCP variant,
// which has no stream multiplexing.
type ConnectionRequest struct {
	Port     int
	StreamID uint32
	ConnID   uint32
}

// EventHandler is the callback a Session hands to Transport.Run. Neither
// Transport in this module (tcpplane, quicplane) calls it: both act on
// CMD_CONNECTION themselves inside Run by opening target/data connections.
type EventHandler interface {
	OnConnectionRequest(req ConnectionRequest)
}

// Transport is the variant-specific half of a Control Session: dialing,
// sending the three outbound command kinds, and running the inbound read
// loop. Dial must return a transport ready to send/receive frames; Run
// blocks, handling inbound frames, until the channel closes or errors.
type Transport interface {
	Dial(ctx context.Context) error
	Close() error
	SendHeartbeat() error
	SendRegisterPort(port int) error
	SendUnregisterPort(port int) error
	Run(ctx context.Context, handler EventHandler) error
}

// Defaults per §4.6 / §5.
const (
	DefaultReconnectAttempts = 10
	DefaultReconnectDelay    = 2 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

// Config configures a Session.
type Config struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ErrGaveUp is returned by Run when reconnection attempts are exhausted.
var ErrGaveUp = errors.New("control: exhausted reconnect attempts")

// Session drives the Agent-side state machine over a Transport.
type Session struct {
	transport Transport
	cfg       Config
	handler   EventHandler

	mu       sync.Mutex
	state    State
	ports    map[int]bool // ports believed registered; replayed on reconnect
	onChange func(State)
}

// NewSession creates a Session. handler is passed to Transport.Run on every
// connection.
func NewSession(transport Transport, cfg Config, handler EventHandler) *Session {
	return &Session{
		transport: transport,
		cfg:       cfg.withDefaults(),
		handler:   handler,
		state:     StateDisconnected,
		ports:     make(map[int]bool),
	}
}

// OnStateChange registers a callback invoked on every state transition.
// Intended for the Supervisor to wait for the first Connected transition
// before starting the scanner/drainer.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the session until ctx is cancelled or reconnect attempts are
// exhausted. It never returns nil: on cancellation it returns ctx.Err(), and
// when attempts are exhausted an error wrapping ErrGaveUp.
func (s *Session) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.connectWithRetry(ctx); err != nil {
			return err
		}

		// Connected: replay owned ports, then run the inbound loop until
		// it errors or the channel drains.
		s.replayRegistrations()

		runErr := s.runConnected(ctx)
		s.setState(StateDraining)
		_ = s.transport.Close()
		s.setState(StateDisconnected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cfg.Logger.Warn("control session disconnected", slog.Any("error", runErr))
		// Loop back to connectWithRetry.
	}
}

func (s *Session) connectWithRetry(ctx context.Context) error {
	s.setState(StateConnecting)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.transport.Dial(ctx); err != nil {
			lastErr = err
			s.cfg.Logger.Warn("control session dial failed",
				slog.Int("attempt", attempt), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.ReconnectDelay):
			}
			continue
		}
		if err := s.transport.SendHeartbeat(); err != nil {
			lastErr = err
			_ = s.transport.Close()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.ReconnectDelay):
			}
			continue
		}
		s.setState(StateConnected)
		return nil
	}
	return fmt.Errorf("%w: %v", ErrGaveUp, lastErr)
}

// replayRegistrations re-sends REGISTER_PORT for every port the Agent
// believes it owns, before scanner-driven registrations may resume. §4.6.
func (s *Session) replayRegistrations() {
	s.mu.Lock()
	ports := make([]int, 0, len(s.ports))
	for p := range s.ports {
		ports = append(ports, p)
	}
	s.mu.Unlock()

	for _, p := range ports {
		if err := s.transport.SendRegisterPort(p); err != nil {
			s.cfg.Logger.Warn("re-register failed", slog.Int("port", p), slog.Any("error", err))
		}
	}
}

func (s *Session) runConnected(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- s.transport.Run(connCtx, s.handler)
	}()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErrCh:
			return err
		case <-ticker.C:
			if err := s.transport.SendHeartbeat(); err != nil {
				cancel()
				<-readErrCh
				return err
			}
		}
	}
}

// RegisterPort requests registration of port, recording it for reconnect
// replay. The actual wire send happens immediately if connected; if not
// connected, it is sent on the next reconnect's replay pass.
func (s *Session) RegisterPort(port int) error {
	s.mu.Lock()
	s.ports[port] = true
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.transport.SendRegisterPort(port)
}

// UnregisterPort requests unregistration of port and stops tracking it for
// reconnect replay.
func (s *Session) UnregisterPort(port int) error {
	s.mu.Lock()
	delete(s.ports, port)
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.transport.SendUnregisterPort(port)
}
