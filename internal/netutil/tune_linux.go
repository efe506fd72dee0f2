//go:build linux

package netutil

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneKeepAliveTiming sets TCP_KEEPIDLE/TCP_KEEPINTVL/TCP_KEEPCNT via the raw
// socket fd. Best-effort: a platform that rejects one option does not affect
// the others or the caller.
func tuneKeepAliveTiming(conn *net.TCPConn, idle, interval time.Duration, count int) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(idle.Seconds()))
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(interval.Seconds()))
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, count)
	})
}
