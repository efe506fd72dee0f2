package tcpplane_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/relaytun/tunnel/internal/control"
	"github.com/relaytun/tunnel/internal/dataplane/tcpplane"
	"github.com/relaytun/tunnel/internal/registry"
)

// realListen binds a real loopback socket for a PublishedPort, the same way
// the production Relay does in practice (chosen over an in-memory fake here
// since the test exercises the full accept/enqueue/notify path).
func realListen(port int) (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func TestTCPDataPlaneRelaysUserThroughAgent(t *testing.T) {
	// The target server the Agent proxies to.
	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen target: %v", err)
	}
	defer target.Close()
	targetPort := target.Addr().(*net.TCPAddr).Port
	go func() {
		for {
			c, err := target.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				buf := make([]byte, 5)
				io.ReadFull(c, buf)
				c.Write(buf)
			}()
		}
	}()

	reg := registry.New(realListen, nil)
	relay := tcpplane.NewRelay(tcpplane.RelayConfig{ControlAddr: "127.0.0.1:0", DataAddr: "127.0.0.1:0"}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)

	controlAddr, dataAddr, err := relay.Addrs(ctx)
	if err != nil {
		t.Fatalf("Addrs: %v", err)
	}

	transport := tcpplane.NewTransport(controlAddr.String(), dataAddr.String(), "127.0.0.1", nil)
	if err := transport.Dial(ctx); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := transport.SendHeartbeat(); err != nil {
		t.Fatalf("SendHeartbeat: %v", err)
	}
	if err := transport.SendRegisterPort(targetPort); err != nil {
		t.Fatalf("SendRegisterPort: %v", err)
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- transport.Run(ctx, noopHandler{}) }()

	// Give the relay a moment to process the REGISTER_PORT and start
	// accepting Users on the published port's listener.
	time.Sleep(100 * time.Millisecond)

	pp, ok := reg.Lookup(targetPort)
	if !ok {
		t.Fatalf("port %d not registered", targetPort)
	}

	userConn, err := net.Dial("tcp", pp.Listener.Addr().String())
	if err != nil {
		t.Fatalf("user dial: %v", err)
	}
	defer userConn.Close()

	if _, err := userConn.Write([]byte("hello")); err != nil {
		t.Fatalf("user write: %v", err)
	}

	userConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(userConn, buf); err != nil {
		t.Fatalf("user read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want %q", buf, "hello")
	}
}

type noopHandler struct{}

func (noopHandler) OnConnectionRequest(control.ConnectionRequest) {}
