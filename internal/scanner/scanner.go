// Package scanner implements the Port Discovery Engine: a concurrent TCP
// connect-scan with full-sweep and bounded-incremental modes (§4.4), plus an
// optional stability filter (§4.5) that suppresses flapping ports before
// they reach the control session.
package scanner

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// EventKind distinguishes a newly discovered port from one that disappeared.
type EventKind string

const (
	EventNew    EventKind = "new"
	EventClosed EventKind = "closed"
)

// Event is a single edge-triggered (kind, port) notification emitted by a
// scan. It is the unit the Control Session's Change-Queue drains.
type Event struct {
	Kind EventKind
	Port int
}

// Defaults per §4.4.
const (
	DefaultWorkers       = 50
	DefaultProbeTimeout  = 300 * time.Millisecond
	DefaultIncrementBatch = 1000
	MaxPort              = 65535
)

// Options configures a Scanner.
type Options struct {
	// Host is the address probed for each candidate port (e.g. "127.0.0.1").
	Host string

	// Ports restricts scanning to this explicit set. Empty means the full
	// 1-65535 range.
	Ports []int

	// Workers bounds the number of concurrent connect() probes. Zero
	// selects DefaultWorkers.
	Workers int

	// ProbeTimeout bounds each connect() attempt. Zero selects
	// DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// IncrementalBatch is the window size used by Incremental. Zero
	// selects DefaultIncrementBatch.
	IncrementalBatch int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.IncrementalBatch <= 0 {
		o.IncrementalBatch = DefaultIncrementBatch
	}
	return o
}

// Scanner holds the committed active-port set and incremental scan cursor
// described by ScannerState in the data model. It is safe for concurrent
// use; Sweep/Incremental serialize against the committed set with a mutex,
// while probing itself runs unlocked and concurrent.
type Scanner struct {
	opts Options

	mu     sync.Mutex
	active map[int]bool
	cursor int
}

// New creates a Scanner. Host defaults to "127.0.0.1" when empty.
func New(opts Options) *Scanner {
	opts = opts.withDefaults()
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	return &Scanner{
		opts:   opts,
		active: make(map[int]bool),
		cursor: 1,
	}
}

// probePorts connect-scans every port in candidates concurrently, bounded by
// opts.Workers, and returns the subset that accepted a connection.
func (s *Scanner) probePorts(ctx context.Context, candidates []int) map[int]bool {
	sem := make(chan struct{}, s.opts.Workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	found := make(map[int]bool)

	for _, port := range candidates {
		select {
		case <-ctx.Done():
			wg.Wait()
			return found
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			defer func() { <-sem }()
			if probeOne(s.opts.Host, port, s.opts.ProbeTimeout) {
				mu.Lock()
				found[port] = true
				mu.Unlock()
			}
		}(port)
	}
	wg.Wait()
	return found
}

// probeOne attempts a single TCP connect() within timeout.
func probeOne(host string, port int, timeout time.Duration) bool {
	addr := net.JoinHostPort(host, portToString(port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func portToString(port int) string {
	return strconv.Itoa(port)
}

// candidatePorts returns the explicit port list if configured, else the
// full 1..65535 range.
func (s *Scanner) candidatePorts() []int {
	if len(s.opts.Ports) > 0 {
		out := make([]int, len(s.opts.Ports))
		copy(out, s.opts.Ports)
		return out
	}
	ports := make([]int, MaxPort)
	for i := range ports {
		ports[i] = i + 1
	}
	return ports
}

// Result describes one completed sweep: the full committed active set after
// the sweep, the new/closed edges produced relative to the committed set
// before it (scoped to the scanned range in incremental mode), and the raw
// per-port probe outcome for the ports actually scanned this pass. A
// StabilityFilter consumes ScannedRange/FoundActive directly rather than
// Events, since it needs repeated raw sightings, not the scanner's own
// (already edge-triggered) diff.
type Result struct {
	Active       []int
	Events       []Event
	ScannedRange []int
	FoundActive  map[int]bool
}

// Full performs a full-sweep scan (§4.4): probes the explicit port list or
// the entire 1-65535 range, diffs against the committed set, updates it, and
// returns the edges produced.
func (s *Scanner) Full(ctx context.Context) Result {
	candidates := s.candidatePorts()
	foundSet := s.probePorts(ctx, candidates)

	s.mu.Lock()
	defer s.mu.Unlock()

	events := diff(s.active, foundSet, candidates)
	s.active = foundSet
	return Result{Active: sortedKeys(s.active), Events: events, ScannedRange: candidates, FoundActive: foundSet}
}

// Incremental performs a bounded incremental scan (§4.4): probes
// [cursor, cursor+batch), wrapping at 65536, and scopes its new/closed diff
// to that scanned range only, leaving the committed state for ports outside
// the range untouched.
func (s *Scanner) Incremental(ctx context.Context) Result {
	s.mu.Lock()
	start := s.cursor
	end := start + s.opts.IncrementalBatch
	if end > MaxPort+1 {
		end = MaxPort + 1
	}
	var candidates []int
	if len(s.opts.Ports) > 0 {
		// An explicit port list has no meaningful "range"; scan it whole,
		// matching the full-sweep candidate set every cycle.
		candidates = append(candidates, s.opts.Ports...)
		s.cursor = 1
	} else {
		for p := start; p < end; p++ {
			candidates = append(candidates, p)
		}
		s.cursor = end
		if s.cursor > MaxPort {
			s.cursor = 1
		}
	}
	prevActive := s.active
	s.mu.Unlock()

	foundSet := s.probePorts(ctx, candidates)

	s.mu.Lock()
	defer s.mu.Unlock()

	events := diff(prevActive, foundSet, candidates)
	// Merge: ports in the scanned range adopt the fresh result; ports
	// outside the range are carried over unchanged.
	merged := make(map[int]bool, len(s.active))
	inRange := make(map[int]bool, len(candidates))
	for _, p := range candidates {
		inRange[p] = true
	}
	for p := range s.active {
		if !inRange[p] {
			merged[p] = true
		}
	}
	for p := range foundSet {
		merged[p] = true
	}
	s.active = merged

	return Result{Active: sortedKeys(s.active), Events: events, ScannedRange: candidates, FoundActive: foundSet}
}

// diff computes edge-triggered events between the previously committed set
// and a fresh probe result, scoped to the set of ports actually probed this
// round (scannedRange). A port never probed this round cannot produce an
// edge: it is neither confirmed new nor confirmed closed.
func diff(committed, fresh map[int]bool, scannedRange []int) []Event {
	var events []Event
	for _, port := range scannedRange {
		wasActive := committed[port]
		isActive := fresh[port]
		switch {
		case isActive && !wasActive:
			events = append(events, Event{Kind: EventNew, Port: port})
		case !isActive && wasActive:
			events = append(events, Event{Kind: EventClosed, Port: port})
		}
	}
	return events
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// DefaultFullScanInterval is how often a lazy (incremental) scan loop forces
// a full sweep, per §4.4's "combined strategy" for the QUIC variant.
const DefaultFullScanInterval = 600 * time.Second

// RunOptions configures the continuous scan loop started by Run.
type RunOptions struct {
	// Interval between scan passes.
	Interval time.Duration

	// Lazy selects incremental scanning; false selects full-sweep every
	// pass.
	Lazy bool

	// FullScanInterval forces a full sweep this often even when Lazy is
	// set. Zero disables the forced full sweep (pure incremental).
	FullScanInterval time.Duration
}

// Run drives a continuous scan loop until ctx is cancelled, sending one
// Result per completed pass on the returned channel. The channel is closed
// when the loop exits. Callers should range over it rather than polling.
func (s *Scanner) Run(ctx context.Context, opts RunOptions) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()

		var lastFull time.Time
		runOnce := func() {
			var res Result
			if opts.Lazy && (opts.FullScanInterval <= 0 || time.Since(lastFull) < opts.FullScanInterval) {
				res = s.Incremental(ctx)
			} else {
				res = s.Full(ctx)
				lastFull = time.Now()
			}
			select {
			case out <- res:
			case <-ctx.Done():
			}
		}

		runOnce()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce()
			}
		}
	}()
	return out
}
