package changequeue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaytun/tunnel/internal/changequeue"
	"github.com/relaytun/tunnel/internal/scanner"
)

type recordingRegistrar struct {
	mu           sync.Mutex
	registered   []int
	unregistered []int
}

func (r *recordingRegistrar) RegisterPort(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, port)
	return nil
}

func (r *recordingRegistrar) UnregisterPort(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, port)
	return nil
}

func (r *recordingRegistrar) snapshot() (reg, unreg []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.registered...), append([]int(nil), r.unregistered...)
}

func TestQueueDrainsPushedEvents(t *testing.T) {
	q := changequeue.New()
	q.Push(
		scanner.Event{Kind: scanner.EventNew, Port: 22},
		scanner.Event{Kind: scanner.EventNew, Port: 80},
		scanner.Event{Kind: scanner.EventClosed, Port: 8080},
	)

	reg := &recordingRegistrar{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.Run(ctx, reg, nil)
		close(done)
	}()

	deadline := time.After(1 * time.Second)
	for {
		registered, unregistered := reg.snapshot()
		if len(registered) == 2 && len(unregistered) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("events not drained: registered=%v unregistered=%v", registered, unregistered)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
