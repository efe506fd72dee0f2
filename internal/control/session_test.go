package control_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaytun/tunnel/internal/control"
)

// fakeTransport is a minimal in-memory control.Transport for exercising the
// state machine without real sockets.
type fakeTransport struct {
	mu            sync.Mutex
	dialErrors    int // number of Dial calls that should fail before succeeding
	dialCount     int
	registered    []int
	closed        bool
	runBlock      chan struct{} // closed to make Run return
	runErr        error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{runBlock: make(chan struct{})}
}

func (f *fakeTransport) Dial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialCount++
	if f.dialCount <= f.dialErrors {
		return errors.New("dial failed")
	}
	f.closed = false
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) SendHeartbeat() error { return nil }

func (f *fakeTransport) SendRegisterPort(port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, port)
	return nil
}

func (f *fakeTransport) SendUnregisterPort(port int) error { return nil }

func (f *fakeTransport) Run(ctx context.Context, handler control.EventHandler) error {
	select {
	case <-f.runBlock:
		return f.runErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

type noopHandler struct{}

func (noopHandler) OnConnectionRequest(control.ConnectionRequest) {}

func TestSessionReachesConnected(t *testing.T) {
	ft := newFakeTransport()
	var states []control.State
	var mu sync.Mutex

	s := control.NewSession(ft, control.Config{HeartbeatInterval: time.Hour}, noopHandler{})
	s.OnStateChange(func(st control.State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Wait until connected.
	deadline := time.After(2 * time.Second)
	for {
		if s.State() == control.StateConnected {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never reached Connected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestSessionReplaysRegistrationsOnReconnect(t *testing.T) {
	ft := newFakeTransport()
	s := control.NewSession(ft, control.Config{HeartbeatInterval: time.Hour, ReconnectDelay: time.Millisecond}, noopHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for s.State() != control.StateConnected {
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.RegisterPort(22); err != nil {
		t.Fatalf("RegisterPort: %v", err)
	}
	if err := s.RegisterPort(80); err != nil {
		t.Fatalf("RegisterPort: %v", err)
	}

	// Force a disconnect by making Run return an error, then give the
	// session a moment to reconnect and replay.
	ft.runErr = errors.New("eof")
	close(ft.runBlock)

	deadline := time.After(2 * time.Second)
	for {
		ft.mu.Lock()
		n := len(ft.registered)
		ft.mu.Unlock()
		if n >= 4 { // 2 initial + 2 replayed
			break
		}
		select {
		case <-deadline:
			t.Fatalf("registrations never replayed, got %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
