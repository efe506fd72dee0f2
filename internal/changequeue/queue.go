// Package changequeue implements the Agent-side ChangeQueue (§3): a FIFO of
// scanner edges drained onto the control session in small batches, so a
// cold-start full sweep's burst of `new` events doesn't flood the control
// channel with one REGISTER_PORT write per event in a single instant.
package changequeue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaytun/tunnel/internal/scanner"
)

// Registrar is the subset of control.Session the drainer needs.
type Registrar interface {
	RegisterPort(port int) error
	UnregisterPort(port int) error
}

// Defaults for the drain loop.
const (
	DefaultBatchSize     = 50
	DefaultDrainInterval = 200 * time.Millisecond
)

// Queue is a thread-safe FIFO of scanner events awaiting a control-session
// send.
type Queue struct {
	mu    sync.Mutex
	items []scanner.Event
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Push appends events to the tail of the queue. Safe for concurrent callers.
func (q *Queue) Push(events ...scanner.Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, events...)
	q.mu.Unlock()
}

// Len reports the number of queued, undrained events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) drainBatch(max int) []scanner.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	n := max
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := q.items[:n:n]
	q.items = q.items[n:]
	return batch
}

// Run drains the queue in batches of at most batchSize, sending each event
// to registrar as a REGISTER_PORT or UNREGISTER_PORT, until ctx is
// cancelled. A send failure is logged and the drain continues with the next
// event; RegisterPort/UnregisterPort's own tracking set handles eventual
// re-delivery on reconnect.
func (q *Queue) Run(ctx context.Context, registrar Registrar, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(DefaultDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				batch := q.drainBatch(DefaultBatchSize)
				if len(batch) == 0 {
					break
				}
				for _, ev := range batch {
					var err error
					switch ev.Kind {
					case scanner.EventNew:
						err = registrar.RegisterPort(ev.Port)
					case scanner.EventClosed:
						err = registrar.UnregisterPort(ev.Port)
					}
					if err != nil {
						logger.Warn("changequeue: send failed",
							slog.Int("port", ev.Port), slog.String("kind", string(ev.Kind)), slog.Any("error", err))
					}
				}
			}
		}
	}
}
