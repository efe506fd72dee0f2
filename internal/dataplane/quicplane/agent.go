package quicplane

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/relaytun/tunnel/internal/control"
	"github.com/relaytun/tunnel/internal/pump"
	"github.com/relaytun/tunnel/internal/wire"
)

// Transport is the Agent-side control.Transport implementation for the QUIC
// dialect (§4.9). A single QUIC connection carries one control stream (sent
// heartbeats/register/unregister, received CMD_CONNECTION) plus a dedicated
// stream per bound User connection, opened by the Relay.
type Transport struct {
	RelayAddr   string
	ServerName  string // TLS server name; empty skips verification (self-signed cert)
	TargetHost  string
	Logger      *slog.Logger

	mu      sync.Mutex
	conn    *quic.Conn
	control *quic.Stream

	// writeMu serializes control-stream writes: the heartbeat ticker, the
	// change-queue drainer, and per-stream bindTarget goroutines all write
	// frames onto the same control stream (§4.6: "commands from the Agent
	// are serialized on a single writer").
	writeMu sync.Mutex

	pendingMu      sync.Mutex
	pendingFrames  map[uint32]wire.QUICFrame // CMD_CONNECTION seen before its stream arrived
	pendingStreams map[uint32]*quic.Stream   // stream accepted before its CMD_CONNECTION arrived
}

// NewTransport creates a Transport.
func NewTransport(relayAddr, serverName, targetHost string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		RelayAddr:      relayAddr,
		ServerName:     serverName,
		TargetHost:     targetHost,
		Logger:         logger,
		pendingFrames:  make(map[uint32]wire.QUICFrame),
		pendingStreams: make(map[uint32]*quic.Stream),
	}
}

// Dial implements control.Transport.
func (t *Transport) Dial(ctx context.Context) error {
	tlsConf := &tls.Config{
		NextProtos:         []string{ALPN},
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.ServerName == "",
	}
	conn, err := quic.DialAddr(ctx, t.RelayAddr, tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("quicplane: dial %s: %w", t.RelayAddr, err)
	}

	control, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open control stream failed")
		return fmt.Errorf("quicplane: open control stream: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.control = control
	t.mu.Unlock()
	return nil
}

// Close implements control.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn, t.control = nil, nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.CloseWithError(0, "closing")
}

func (t *Transport) current() (*quic.Conn, *quic.Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.control
}

// writeControl serializes f onto the control stream so that concurrent
// callers (heartbeat ticker, change-queue drainer, per-stream bindTarget
// goroutines) never interleave their frame writes.
func (t *Transport) writeControl(f wire.QUICFrame) error {
	_, control := t.current()
	if control == nil {
		return fmt.Errorf("quicplane: not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wire.WriteQUICFrame(control, f)
}

// SendHeartbeat implements control.Transport.
func (t *Transport) SendHeartbeat() error {
	return t.writeControl(wire.QUICFrame{Code: wire.QUICHeartbeat})
}

// SendRegisterPort implements control.Transport.
func (t *Transport) SendRegisterPort(port int) error {
	return t.writeControl(wire.QUICFrame{Code: wire.QUICRegisterPort, Port: uint32(port)})
}

// SendUnregisterPort implements control.Transport.
func (t *Transport) SendUnregisterPort(port int) error {
	return t.writeControl(wire.QUICFrame{Code: wire.QUICUnregisterPort, Port: uint32(port)})
}

// Run implements control.Transport. It runs two loops for the lifetime of
// the connection: one reading CMD_CONNECTION notifications off the control
// stream, one accepting the Relay-opened data streams those notifications
// describe. Each data stream is matched to its CMD_CONNECTION by stream ID,
// whichever of the two arrives first.
func (t *Transport) Run(ctx context.Context, handler control.EventHandler) error {
	conn, control := t.current()
	if conn == nil {
		return fmt.Errorf("quicplane: not connected")
	}

	errCh := make(chan error, 2)
	go func() { errCh <- t.controlLoop(control) }()
	go func() { errCh <- t.acceptLoop(ctx, conn) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) controlLoop(control *quic.Stream) error {
	for {
		frame, err := wire.ReadQUICFrame(control)
		if err != nil {
			return err
		}
		switch frame.Code {
		case wire.QUICConnection:
			t.onConnectionFrame(frame)
		case wire.QUICRegisterPort:
			if frame.Port == 0 {
				t.Logger.Warn("quicplane: register rejected by relay")
			}
		case wire.QUICUnregisterPort:
			t.Logger.Debug("quicplane: unregister acked", slog.Int("port", int(frame.Port)))
		case wire.QUICHeartbeat:
			// relay does not send heartbeats back in this dialect.
		default:
			t.Logger.Warn("quicplane: unexpected control frame", slog.Any("code", frame.Code))
		}
	}
}

func (t *Transport) acceptLoop(ctx context.Context, conn *quic.Conn) error {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return err
		}
		t.onStreamAccepted(ctx, stream)
	}
}

func (t *Transport) onConnectionFrame(f wire.QUICFrame) {
	t.pendingMu.Lock()
	stream, ok := t.pendingStreams[f.StreamID]
	if ok {
		delete(t.pendingStreams, f.StreamID)
	} else {
		t.pendingFrames[f.StreamID] = f
	}
	t.pendingMu.Unlock()

	if ok {
		go t.bindTarget(context.Background(), f, stream)
	}
}

func (t *Transport) onStreamAccepted(ctx context.Context, stream *quic.Stream) {
	streamID := uint32(stream.StreamID())
	t.pendingMu.Lock()
	f, ok := t.pendingFrames[streamID]
	if ok {
		delete(t.pendingFrames, streamID)
	} else {
		t.pendingStreams[streamID] = stream
	}
	t.pendingMu.Unlock()

	if ok {
		go t.bindTarget(ctx, f, stream)
	}
}

// bindTarget implements step 2 of §4.9's handshake: dial the local target,
// ack on success, and begin forwarding.
func (t *Transport) bindTarget(ctx context.Context, f wire.QUICFrame, stream *quic.Stream) {
	var d net.Dialer
	target, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", t.TargetHost, f.Port))
	if err != nil {
		t.Logger.Warn("quicplane: dial target failed", slog.Uint64("port", uint64(f.Port)), slog.Any("error", err))
		_ = stream.Close()
		return
	}

	if _, control := t.current(); control == nil {
		_ = target.Close()
		_ = stream.Close()
		return
	}
	if err := t.writeControl(wire.QUICFrame{Code: wire.QUICConnectionAck, StreamID: f.StreamID}); err != nil {
		t.Logger.Warn("quicplane: ack write failed", slog.Any("error", err))
		_ = target.Close()
		_ = stream.Close()
		return
	}

	pump.Pair(newFramedConn(stream, f.ConnID), target, fmt.Sprintf("port-%d", f.Port), 0, t.Logger)
}
