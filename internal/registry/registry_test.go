package registry_test

import (
	"errors"
	"net"
	"testing"

	"github.com/google/uuid"

	"github.com/relaytun/tunnel/internal/registry"
)

// fakeListener satisfies net.Listener without binding a real socket.
type fakeListener struct {
	closed bool
}

func (f *fakeListener) Accept() (net.Conn, error) { select {} }
func (f *fakeListener) Close() error              { f.closed = true; return nil }
func (f *fakeListener) Addr() net.Addr            { return &net.TCPAddr{} }

func fakeListen(fail bool) func(int) (net.Listener, error) {
	return func(port int) (net.Listener, error) {
		if fail {
			return nil, errors.New("bind failed")
		}
		return &fakeListener{}, nil
	}
}

type recordingAudit struct {
	events []string
}

func (r *recordingAudit) RecordPortEvent(event string, port int, _ uuid.UUID) {
	r.events = append(r.events, event)
}

func TestRegisterAndBusy(t *testing.T) {
	reg := registry.New(fakeListen(false), nil)
	agentA := registry.NewAgentSession()
	agentB := registry.NewAgentSession()

	outcome, pp, err := reg.Register(agentA, 8080)
	if err != nil || outcome != registry.OutcomeOK || pp == nil {
		t.Fatalf("Register = %v, %v, %v", outcome, pp, err)
	}

	outcome2, _, err := reg.Register(agentB, 8080)
	if err != nil || outcome2 != registry.OutcomeBusy {
		t.Fatalf("second Register = %v, %v, want Busy", outcome2, err)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	reg := registry.New(fakeListen(false), nil)
	agent := registry.NewAgentSession()
	reg.Register(agent, 22)

	reg.Unregister(22)
	reg.Unregister(22) // second call must not panic or error

	if _, ok := reg.Lookup(22); ok {
		t.Fatal("port 22 should no longer be registered")
	}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	reg := registry.New(fakeListen(false), nil)
	agent := registry.NewAgentSession()
	reg.Register(agent, 22)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	u1, u1b := net.Pipe()
	defer u1.Close()
	defer u1b.Close()

	reg.Enqueue(22, c1)
	reg.Enqueue(22, u1)

	first, ok := reg.Dequeue(22)
	if !ok || first.Conn != c1 {
		t.Fatalf("expected c1 first, got %v ok=%v", first.Conn, ok)
	}
	second, ok := reg.Dequeue(22)
	if !ok || second.Conn != u1 {
		t.Fatalf("expected u1 second, got %v ok=%v", second.Conn, ok)
	}
	if _, ok := reg.Dequeue(22); ok {
		t.Fatal("expected empty queue")
	}
}

func TestDestroySessionCascades(t *testing.T) {
	reg := registry.New(fakeListen(false), nil)
	agent := registry.NewAgentSession()
	reg.Register(agent, 22)
	reg.Register(agent, 80)

	reg.DestroySession(agent)

	if _, ok := reg.Lookup(22); ok {
		t.Fatal("port 22 should be gone after session destruction")
	}
	if _, ok := reg.Lookup(80); ok {
		t.Fatal("port 80 should be gone after session destruction")
	}
}
