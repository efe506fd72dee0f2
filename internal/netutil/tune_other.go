//go:build !linux && !darwin

package netutil

import (
	"net"
	"time"
)

// tuneKeepAliveTiming is a no-op on platforms without a portable way to set
// per-connection keepalive idle/interval/count; net.TCPConn.SetKeepAlive
// above still enables OS-default keepalive.
func tuneKeepAliveTiming(_ *net.TCPConn, _, _ time.Duration, _ int) {}
