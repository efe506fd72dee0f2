package scanner_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/relaytun/tunnel/internal/scanner"
)

// listenOn starts a TCP listener on 127.0.0.1 and returns its port plus a
// closer.
func listenOn(t *testing.T) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { _ = ln.Close() }
}

func TestFullSweepDetectsNewPort(t *testing.T) {
	port, closeLn := listenOn(t)
	defer closeLn()

	s := scanner.New(scanner.Options{Ports: []int{port, port + 1}, Workers: 4})
	res := s.Full(context.Background())

	if len(res.Events) != 1 || res.Events[0].Kind != scanner.EventNew || res.Events[0].Port != port {
		t.Fatalf("got events %+v, want single new event for port %d", res.Events, port)
	}

	// Second sweep with nothing changed should produce no events.
	res2 := s.Full(context.Background())
	if len(res2.Events) != 0 {
		t.Fatalf("second sweep produced events %+v, want none", res2.Events)
	}
}

func TestFullSweepDetectsClosedPort(t *testing.T) {
	port, closeLn := listenOn(t)

	s := scanner.New(scanner.Options{Ports: []int{port}, Workers: 4})
	res := s.Full(context.Background())
	if len(res.Events) != 1 || res.Events[0].Kind != scanner.EventNew {
		t.Fatalf("got %+v, want one new event", res.Events)
	}

	closeLn()
	// Give the OS a moment to actually free the port.
	time.Sleep(50 * time.Millisecond)

	res2 := s.Full(context.Background())
	if len(res2.Events) != 1 || res2.Events[0].Kind != scanner.EventClosed || res2.Events[0].Port != port {
		t.Fatalf("got %+v, want one closed event for port %d", res2.Events, port)
	}
}

func TestIncrementalFirstPassScansLeadingWindow(t *testing.T) {
	s := scanner.New(scanner.Options{Workers: 16, IncrementalBatch: 10})
	// First incremental call scans [1,11). No listeners there; expect no
	// events and cursor advances to 11.
	res := s.Incremental(context.Background())
	if len(res.Events) != 0 {
		t.Fatalf("unexpected events on empty range: %+v", res.Events)
	}
	if len(res.ScannedRange) != 10 || res.ScannedRange[0] != 1 {
		t.Fatalf("scanned range = %v, want [1..10]", res.ScannedRange)
	}
}

func TestStabilityFilterSuppressesFlap(t *testing.T) {
	f := scanner.NewStabilityFilter(10*time.Second, 2)

	// First sighting: not yet stable, no event.
	res1 := scanner.Result{ScannedRange: []int{22}, FoundActive: map[int]bool{22: true}}
	if got := f.Process(res1); len(got) != 0 {
		t.Fatalf("first sighting produced %+v, want none", got)
	}

	// Port disappears before a second sighting: history cleared, no event.
	res2 := scanner.Result{ScannedRange: []int{22}, FoundActive: map[int]bool{}}
	if got := f.Process(res2); len(got) != 0 {
		t.Fatalf("flap produced %+v, want none", got)
	}

	// Reappears and is seen twice within the window: stable, emits new.
	res3 := scanner.Result{ScannedRange: []int{22}, FoundActive: map[int]bool{22: true}}
	f.Process(res3)
	res4 := scanner.Result{ScannedRange: []int{22}, FoundActive: map[int]bool{22: true}}
	got := f.Process(res4)
	if len(got) != 1 || got[0].Kind != scanner.EventNew || got[0].Port != 22 {
		t.Fatalf("got %+v, want one new event for port 22", got)
	}

	// Disappearing now (after being reported stable) emits closed
	// immediately.
	res5 := scanner.Result{ScannedRange: []int{22}, FoundActive: map[int]bool{}}
	got2 := f.Process(res5)
	if len(got2) != 1 || got2[0].Kind != scanner.EventClosed || got2[0].Port != 22 {
		t.Fatalf("got %+v, want one closed event for port 22", got2)
	}
}
