// Package pump implements the bidirectional byte copier ("Pair Pump", §4.3)
// that ties a User connection to an Agent connection once the control
// handshake has bound them. It copies in both directions concurrently,
// reports transfer stats periodically, and guarantees idempotent closure of
// both sides regardless of which direction fails first.
package pump

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the per-direction copy buffer size (§4.3: 4 MiB).
const DefaultBufferSize = 4 * 1024 * 1024

// StatInterval is how often a running pump logs a byte-count summary.
const StatInterval = 5 * time.Second

// Stats accumulates byte counts for one pumped pair. All fields are updated
// atomically so they can be read concurrently with active copying.
type Stats struct {
	BytesAToB atomic.Int64
	BytesBToA atomic.Int64
}

// Pair copies bytes between a and b in both directions until one side
// signals EOF or an error, then closes both sides. Pair blocks until both
// copy directions have finished and never returns an error itself. As soon
// as either direction ends, for any reason, both a and b are closed, which
// also ends the other direction; a direction that fails does not leave the
// other running to drain.
//
// name is used purely for logging (e.g. a "user<->agent" conn_id style
// label); it carries no protocol meaning.
func Pair(a, b net.Conn, name string, bufferSize int, logger *slog.Logger) *Stats {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	stats := &Stats{}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyDirection(b, a, &stats.BytesAToB, bufferSize, "forward", name, logger)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		copyDirection(a, b, &stats.BytesBToA, bufferSize, "reverse", name, logger)
		closeBoth()
	}()

	stopReport := make(chan struct{})
	go reportLoop(stats, name, logger, stopReport)

	wg.Wait()
	close(stopReport)
	closeBoth()
	return stats
}

// copyDirection copies from src to dst using a dedicated buffer, recording
// bytes copied into counter. It returns once src signals EOF or either side
// errors; the error is logged but never returned. Pair closes both sides as
// soon as it returns.
func copyDirection(dst io.Writer, src io.Reader, counter *atomic.Int64, bufferSize int, direction, name string, logger *slog.Logger) {
	buf := make([]byte, bufferSize)
	n, err := io.CopyBuffer(&countingWriter{w: dst, counter: counter}, src, buf)
	_ = n
	if err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("pump direction ended", slog.String("pair", name), slog.String("direction", direction), slog.Any("error", err))
	}
}

// countingWriter wraps an io.Writer and tallies bytes written into counter.
type countingWriter struct {
	w       io.Writer
	counter *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.counter.Add(int64(n))
	return n, err
}

func reportLoop(stats *Stats, name string, logger *slog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(StatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			logger.Debug("pump stats",
				slog.String("pair", name),
				slog.Int64("bytes_a_to_b", stats.BytesAToB.Load()),
				slog.Int64("bytes_b_to_a", stats.BytesBToA.Load()),
			)
		}
	}
}
