// Package supervisor wires the Agent's and Relay's independently-testable
// components together into the startup/shutdown order described in §4.10:
// on the Agent, the Control Session must reach Connected and settle before
// the Change-Queue drainer and Scanner start, so a cold reconnect never
// races a burst of scanner-driven registrations against an unauthenticated
// or still-settling session.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaytun/tunnel/internal/changequeue"
	"github.com/relaytun/tunnel/internal/control"
	"github.com/relaytun/tunnel/internal/dataplane/quicplane"
	"github.com/relaytun/tunnel/internal/dataplane/tcpplane"
	"github.com/relaytun/tunnel/internal/procinfo"
	"github.com/relaytun/tunnel/internal/scanner"
)

// settleDelay is the pause between the Control Session reaching Connected
// and the Change-Queue drainer/Scanner starting, per §4.10.
const settleDelay = time.Second

// AgentConfig configures a full Agent run.
type AgentConfig struct {
	RelayHost        string
	RelayControlPort int
	UseQUIC          bool

	TargetHost string
	Interval   time.Duration
	Lazy       bool
	Ports      []int
	Workers    int

	Logger *slog.Logger
}

func (c AgentConfig) relayAddr() string {
	return fmt.Sprintf("%s:%d", c.RelayHost, c.RelayControlPort)
}

// noopHandler discards inbound CMD_CONNECTION notifications at the
// control.Session layer; the data-plane Transport itself already handles
// them directly (tcpplane/quicplane dispatch connections from within Run),
// so the Session's EventHandler is unused plumbing for this wiring.
type noopHandler struct{}

func (noopHandler) OnConnectionRequest(control.ConnectionRequest) {}

// RunAgent builds the Control Session, Change-Queue, Scanner and
// StabilityFilter, and process-name enricher described by SPEC_FULL.md §3-§5
// and drives them until ctx is cancelled or a component fails fatally.
func RunAgent(ctx context.Context, cfg AgentConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var transport control.Transport
	if cfg.UseQUIC {
		transport = quicplane.NewTransport(cfg.relayAddr(), "", cfg.TargetHost, logger)
	} else {
		dataAddr := fmt.Sprintf("%s:%d", cfg.RelayHost, cfg.RelayControlPort+1)
		transport = tcpplane.NewTransport(cfg.relayAddr(), dataAddr, cfg.TargetHost, logger)
	}

	session := control.NewSession(transport, control.Config{Logger: logger}, noopHandler{})

	connected := make(chan struct{})
	var connectOnce sync.Once
	session.OnStateChange(func(st control.State) {
		if st == control.StateConnected {
			connectOnce.Do(func() { close(connected) })
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(gctx) })

	select {
	case <-connected:
	case <-gctx.Done():
		return g.Wait()
	}

	select {
	case <-time.After(settleDelay):
	case <-gctx.Done():
		return g.Wait()
	}

	queue := changequeue.New()
	g.Go(func() error { queue.Run(gctx, session, logger); return nil })

	sc := scanner.New(scanner.Options{
		Host:    cfg.TargetHost,
		Ports:   cfg.Ports,
		Workers: cfg.Workers,
	})
	stability := scanner.NewStabilityFilter(0, 0)
	enricher := procinfo.NewEnricher(logger)

	runOpts := scanner.RunOptions{
		Interval:         cfg.Interval,
		Lazy:             cfg.Lazy,
		FullScanInterval: scanner.DefaultFullScanInterval,
	}

	g.Go(func() error {
		for res := range sc.Run(gctx, runOpts) {
			events := stability.Process(res)
			queue.Push(events...)
			for _, ev := range events {
				if ev.Kind == scanner.EventNew {
					enricher.EnrichAsync(ev.Port)
				}
			}
		}
		return nil
	})

	return g.Wait()
}
