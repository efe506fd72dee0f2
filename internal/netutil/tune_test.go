package netutil_test

import (
	"net"
	"testing"

	"github.com/relaytun/tunnel/internal/netutil"
)

func TestTuneDoesNotErrorOnLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var clientConn net.Conn
	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			if tc, ok := c.(*net.TCPConn); ok {
				netutil.Tune(tc, netutil.Options{})
			}
		}
		close(accepted)
	}()

	clientConn, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	tc, ok := clientConn.(*net.TCPConn)
	if !ok {
		t.Fatal("expected *net.TCPConn")
	}

	// Tune must never panic or block regardless of platform support for
	// individual options.
	netutil.Tune(tc, netutil.Options{BufferSize: 1 << 20})
	<-accepted
}
