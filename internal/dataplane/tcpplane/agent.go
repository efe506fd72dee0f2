package tcpplane

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/relaytun/tunnel/internal/control"
	"github.com/relaytun/tunnel/internal/netutil"
	"github.com/relaytun/tunnel/internal/pump"
	"github.com/relaytun/tunnel/internal/wire"
)

// Transport is the Agent-side control.Transport implementation for the TCP
// dialect (§4.8). On CMD_CONNECTION it opens a target connection plus a
// fresh data connection, writes CMD_DATA_CONNECT on the latter, and hands
// both to a Pair Pump; from that point the data connection carries raw
// bytes, never control frames again.
type Transport struct {
	ControlAddr string // Relay host:control_port
	DataAddr    string // Relay host:data_port
	TargetHost  string // host portion for the per-port proxied target
	Logger      *slog.Logger

	mu   sync.Mutex
	conn net.Conn

	// writeMu serializes control-frame writes: the heartbeat ticker and the
	// change-queue drainer both write frames from independent goroutines
	// (§4.6: "commands from the Agent are serialized on a single writer").
	writeMu sync.Mutex
}

// NewTransport creates a Transport. targetHost is the host the Agent
// connects to locally for each published port (commonly "127.0.0.1" or
// "localhost").
func NewTransport(controlAddr, dataAddr, targetHost string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{ControlAddr: controlAddr, DataAddr: dataAddr, TargetHost: targetHost, Logger: logger}
}

// Dial implements control.Transport.
func (t *Transport) Dial(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.ControlAddr)
	if err != nil {
		return fmt.Errorf("tcpplane: dial control %s: %w", t.ControlAddr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		netutil.Tune(tc, netutil.Options{})
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// Close implements control.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (t *Transport) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// writeFrame serializes f onto the control connection so that concurrent
// callers (heartbeat ticker, change-queue drainer) never interleave their
// frame writes.
func (t *Transport) writeFrame(f wire.TCPFrame) error {
	conn := t.current()
	if conn == nil {
		return fmt.Errorf("tcpplane: not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wire.WriteTCPFrame(conn, f)
}

// SendHeartbeat implements control.Transport.
func (t *Transport) SendHeartbeat() error {
	return t.writeFrame(wire.TCPFrame{Code: wire.TCPHeartbeat})
}

// SendRegisterPort implements control.Transport.
func (t *Transport) SendRegisterPort(port int) error {
	return t.writeFrame(wire.TCPFrame{Code: wire.TCPRegisterPort, Port: uint32(port)})
}

// SendUnregisterPort implements control.Transport.
func (t *Transport) SendUnregisterPort(port int) error {
	return t.writeFrame(wire.TCPFrame{Code: wire.TCPUnregisterPort, Port: uint32(port)})
}

// Run implements control.Transport: it reads frames off the control
// connection until it errors, dispatching CMD_CONNECTION to handler and
// logging REGISTER_PORT/UNREGISTER_PORT acks.
func (t *Transport) Run(ctx context.Context, handler control.EventHandler) error {
	conn := t.current()
	if conn == nil {
		return fmt.Errorf("tcpplane: not connected")
	}
	for {
		frame, err := wire.ReadTCPFrame(conn)
		if err != nil {
			return err
		}
		switch frame.Code {
		case wire.TCPConnection:
			t.connectInOrder(ctx, int(frame.Port))
		case wire.TCPRegisterPort:
			if frame.Port == 0 {
				t.Logger.Warn("tcpplane: register rejected by relay")
			} else {
				t.Logger.Debug("tcpplane: register acked", slog.Int("port", int(frame.Port)))
			}
		case wire.TCPUnregisterPort:
			t.Logger.Debug("tcpplane: unregister acked", slog.Int("port", int(frame.Port)))
		case wire.TCPHeartbeat:
			// relays in this dialect do not send heartbeats back; ignore if seen.
		default:
			t.Logger.Warn("tcpplane: unexpected frame from relay", slog.Any("code", frame.Code))
		}
	}
}

// connectInOrder implements steps 2-3 of §4.8's binding protocol for one
// CMD_CONNECTION notification. The target dial and CMD_DATA_CONNECT
// handshake run synchronously, on the same goroutine that reads control
// frames, so the Relay's data listener sees new data connections in the same
// order the CMD_CONNECTION notifications that caused them arrived (§4.8 step
// 3, §8's FIFO property). Only the pump itself — which carries no ordering
// requirement — runs concurrently.
func (t *Transport) connectInOrder(ctx context.Context, port int) {
	var d net.Dialer
	target, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", t.TargetHost, port))
	if err != nil {
		t.Logger.Warn("tcpplane: dial target failed", slog.Int("port", port), slog.Any("error", err))
		return
	}

	dataConn, err := d.DialContext(ctx, "tcp", t.DataAddr)
	if err != nil {
		t.Logger.Warn("tcpplane: dial data channel failed", slog.Int("port", port), slog.Any("error", err))
		_ = target.Close()
		return
	}
	if tc, ok := dataConn.(*net.TCPConn); ok {
		netutil.Tune(tc, netutil.Options{})
	}

	if err := wire.WriteTCPFrame(dataConn, wire.TCPFrame{Code: wire.TCPDataConnect, Port: uint32(port)}); err != nil {
		t.Logger.Warn("tcpplane: data_connect handshake failed", slog.Int("port", port), slog.Any("error", err))
		_ = target.Close()
		_ = dataConn.Close()
		return
	}

	go pump.Pair(dataConn, target, fmt.Sprintf("port-%d", port), 0, t.Logger)
}
