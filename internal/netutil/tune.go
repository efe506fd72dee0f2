// Package netutil applies the uniform socket tuning every long-lived
// tunneled TCP connection gets: disabled Nagle, OS-level keepalive with an
// aggressive idle/interval/count, and generous send/receive buffers. It works
// on connected sockets only: it does not touch listeners and does not set
// reuse-addr. Every option is applied best-effort: a platform that rejects
// one is silently ignored, never fatal.
package netutil

import (
	"net"
	"time"
)

// Options controls the socket tuning applied by Tune.
type Options struct {
	// BufferSize is the send/receive buffer size in bytes. Zero selects
	// DefaultBufferSize.
	BufferSize int

	// KeepAliveIdle is the time a connection must be idle before the first
	// keepalive probe is sent. Zero selects DefaultKeepAliveIdle.
	KeepAliveIdle time.Duration

	// KeepAliveInterval is the spacing between keepalive probes. Zero
	// selects DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration

	// KeepAliveCount is the number of unacknowledged probes before the
	// connection is considered dead. Zero selects DefaultKeepAliveCount.
	KeepAliveCount int
}

// Defaults matching §4.1: idle 30s / interval 10s / count 3, 4 MiB buffers.
const (
	DefaultBufferSize        = 4 * 1024 * 1024
	DefaultKeepAliveIdle     = 30 * time.Second
	DefaultKeepAliveInterval = 10 * time.Second
	DefaultKeepAliveCount    = 3
)

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.KeepAliveIdle <= 0 {
		o.KeepAliveIdle = DefaultKeepAliveIdle
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveCount <= 0 {
		o.KeepAliveCount = DefaultKeepAliveCount
	}
	return o
}

// Tune applies the standard socket options to conn. Every option is
// best-effort: failures are swallowed rather than returned, matching the
// reference tuning helper's policy of never letting a rejected socket option
// abort connection setup.
func Tune(conn *net.TCPConn, opts Options) {
	opts = opts.withDefaults()

	_ = conn.SetNoDelay(true)
	_ = conn.SetKeepAlive(true)
	_ = conn.SetReadBuffer(opts.BufferSize)
	_ = conn.SetWriteBuffer(opts.BufferSize)

	tuneKeepAliveTiming(conn, opts.KeepAliveIdle, opts.KeepAliveInterval, opts.KeepAliveCount)
}
