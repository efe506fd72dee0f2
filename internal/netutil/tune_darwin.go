//go:build darwin

package netutil

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneKeepAliveTiming sets the keepalive idle time via TCP_KEEPALIVE, the
// option darwin exposes in place of Linux's TCP_KEEPIDLE. Interval/count
// tuning is not universally available on darwin and is skipped; OS defaults
// apply for those two.
func tuneKeepAliveTiming(conn *net.TCPConn, idle, _ time.Duration, _ int) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPALIVE, int(idle.Seconds()))
	})
}
