// Package procinfo enriches a newly discovered port with the name of the
// local process listening on it, using gopsutil. Lookups are best-effort,
// asynchronous, and never gate or slow the scanner itself (§2.2 Domain
// Stack: "never changes scan semantics").
package procinfo

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// lookupTimeout bounds how long one enrichment attempt may take; a slow or
// failing gopsutil call must never accumulate goroutines.
const lookupTimeout = 2 * time.Second

// Enricher looks up the owning process name for a local port, off the
// scanner's hot path.
type Enricher struct {
	logger *slog.Logger
}

// NewEnricher creates an Enricher. logger defaults to slog.Default().
func NewEnricher(logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{logger: logger}
}

// EnrichAsync looks up the process name bound to port in a background
// goroutine and logs it once found. It never blocks the caller and never
// returns an error: a failed lookup (insufficient privilege, port already
// closed, platform unsupported) is logged at debug level and otherwise
// ignored.
func (e *Enricher) EnrichAsync(port int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()

		name, err := processNameForPort(ctx, port)
		if err != nil {
			e.logger.Debug("procinfo: lookup failed", slog.Int("port", port), slog.Any("error", err))
			return
		}
		if name == "" {
			return
		}
		e.logger.Info("procinfo: port owner", slog.Int("port", port), slog.String("process", name))
	}()
}

// processNameForPort scans local TCP connections for one in LISTEN state on
// port, then resolves its owning process name.
func processNameForPort(ctx context.Context, port int) (string, error) {
	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return "", err
	}

	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port {
			continue
		}
		if c.Pid == 0 {
			continue
		}
		p, err := process.NewProcess(c.Pid)
		if err != nil {
			return "", err
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			return "", err
		}
		return name, nil
	}
	return "", nil
}
