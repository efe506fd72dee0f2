package quicplane

import (
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/relaytun/tunnel/internal/wire"
)

// framedConn adapts one QUIC data stream to net.Conn by transparently
// framing/deframing {len, conn_id, payload} records (§4.9), so the existing
// pump.Pair (written for plain net.Conn pairs) can pump a User's raw TCP
// socket against a QUIC stream without any special-casing.
type framedConn struct {
	stream *quic.Stream
	connID uint32

	reassembler wire.Reassembler
	pending     []byte // decoded payload bytes not yet returned by Read
	readBuf     []byte
}

func newFramedConn(stream *quic.Stream, connID uint32) *framedConn {
	return &framedConn{stream: stream, connID: connID, readBuf: make([]byte, 32*1024)}
}

func (f *framedConn) Read(p []byte) (int, error) {
	for len(f.pending) == 0 {
		n, err := f.stream.Read(f.readBuf)
		if n > 0 {
			f.reassembler.Feed(f.readBuf[:n])
			for _, rec := range f.reassembler.Decode() {
				if rec.ConnID != f.connID {
					continue
				}
				f.pending = append(f.pending, rec.Payload...)
			}
		}
		if err != nil {
			if len(f.pending) > 0 {
				break
			}
			return 0, err
		}
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *framedConn) Write(p []byte) (int, error) {
	if err := wire.WriteDataRecord(f.stream, f.connID, p); err != nil {
		return 0, fmt.Errorf("quicplane: write data record: %w", err)
	}
	return len(p), nil
}

func (f *framedConn) Close() error {
	return f.stream.Close()
}

func (f *framedConn) LocalAddr() net.Addr  { return quicAddr{} }
func (f *framedConn) RemoteAddr() net.Addr { return quicAddr{} }

func (f *framedConn) SetDeadline(t time.Time) error {
	return f.stream.SetDeadline(t)
}

func (f *framedConn) SetReadDeadline(t time.Time) error {
	return f.stream.SetReadDeadline(t)
}

func (f *framedConn) SetWriteDeadline(t time.Time) error {
	return f.stream.SetWriteDeadline(t)
}

// quicAddr is a placeholder net.Addr: individual QUIC streams don't carry
// their own address distinct from the parent connection, and nothing in
// this package inspects it.
type quicAddr struct{}

func (quicAddr) Network() string { return "quic" }
func (quicAddr) String() string  { return "quic-stream" }
