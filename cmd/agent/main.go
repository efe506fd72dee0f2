// Command agent is the relaytun Agent binary: it scans the local host for
// newly opened TCP ports, registers them with a Relay over a persistent
// control session, and proxies each bound connection to the local target.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/relaytun/tunnel/internal/supervisor"
)

func main() {
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: agent <relay_host> <relay_control_port> [flags]\n\n")
		flag.PrintDefaults()
	}

	target := flag.String("target", "127.0.0.1", "host the Agent dials locally for each published port")
	interval := flag.Duration("interval", 0, "interval between scan passes; 0 selects 300s (TCP) or 20s (QUIC)")
	ports := flag.String("ports", "", "comma-separated explicit port list; empty scans the full 1-65535 range")
	workers := flag.Int("workers", 0, "bounded connect-scan worker count; 0 selects the package default")
	lazy := flag.Bool("lazy", false, "use bounded incremental scanning instead of a full sweep every pass")
	useQUIC := flag.Bool("quic", false, "speak the QUIC control/data dialect instead of plain TCP")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	relayHost := flag.Arg(0)
	relayPort, err := strconv.Atoi(flag.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: relay_control_port must be an integer: %v\n", err)
		os.Exit(1)
	}
	if *interval <= 0 {
		*interval = 300 * time.Second
		if *useQUIC {
			*interval = 20 * time.Second
		}
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	var portList []int
	if *ports != "" {
		for _, p := range strings.Split(*ports, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				fmt.Fprintf(os.Stderr, "agent: invalid port in -ports: %v\n", err)
				os.Exit(1)
			}
			portList = append(portList, n)
		}
	}

	cfg := supervisor.AgentConfig{
		RelayHost:        relayHost,
		RelayControlPort: relayPort,
		UseQUIC:          *useQUIC,
		TargetHost:       *target,
		Interval:         *interval,
		Lazy:             *lazy,
		Ports:            portList,
		Workers:          *workers,
		Logger:           logger,
	}

	logger.Info("agent starting",
		slog.String("relay_host", relayHost),
		slog.Int("relay_control_port", relayPort),
		slog.Bool("quic", *useQUIC),
		slog.Bool("lazy", *lazy),
	)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := supervisor.RunAgent(ctx, cfg); err != nil && ctx.Err() == nil {
		logger.Error("agent exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("agent exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
