package pump_test

import (
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/relaytun/tunnel/internal/pump"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestPairCopiesBothDirectionsAndConserves(t *testing.T) {
	aServer, aClient := net.Pipe()
	bServer, bClient := net.Pipe()

	done := make(chan *pump.Stats, 1)
	go func() {
		done <- pump.Pair(aServer, bServer, "test-pair", 4096, silentLogger())
	}()

	// Pair closes both sides as soon as either direction ends, so both
	// directions carry their bytes before either client end is closed.
	go func() { _, _ = aClient.Write([]byte("hello-from-a")) }()
	go func() { _, _ = bClient.Write([]byte("hello-from-b")) }()

	// aClient -> bClient (forward)
	gotFromA := mustReadN(t, bClient, len("hello-from-a"))
	if string(gotFromA) != "hello-from-a" {
		t.Errorf("bClient got %q, want %q", gotFromA, "hello-from-a")
	}

	// bClient -> aClient (reverse)
	gotFromB := mustReadN(t, aClient, len("hello-from-b"))
	if string(gotFromB) != "hello-from-b" {
		t.Errorf("aClient got %q, want %q", gotFromB, "hello-from-b")
	}

	_ = aClient.Close()
	_ = bClient.Close()

	select {
	case stats := <-done:
		if stats.BytesAToB.Load() != int64(len("hello-from-a")) {
			t.Errorf("BytesAToB = %d, want %d", stats.BytesAToB.Load(), len("hello-from-a"))
		}
		if stats.BytesBToA.Load() != int64(len("hello-from-b")) {
			t.Errorf("BytesBToA = %d, want %d", stats.BytesBToA.Load(), len("hello-from-b"))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pump.Pair did not return after both sides closed")
	}
}

func mustReadN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	return b
}
