// Command relay is the relaytun Relay binary: it accepts Agent control
// sessions over TCP or QUIC, maintains the Port Registry, and binds
// accepted User connections to the owning Agent's data plane.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/relaytun/tunnel/internal/supervisor"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "tcp":
		runTCP(os.Args[2:])
	case "quic":
		runQUIC(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: relay tcp <control_port> [flags]\n")
	fmt.Fprintf(os.Stderr, "       relay quic <port> [flags]\n")
}

func commonFlags(fs *flag.FlagSet) (auditLog, adminAddr, metricsAddr, jwtPubKey, logLevel *string) {
	auditLog = fs.String("audit-log", "", "path to the hash-chained audit log; empty disables audit logging")
	adminAddr = fs.String("admin-addr", "", "bind address for the read-only introspection API; empty disables it")
	metricsAddr = fs.String("metrics-addr", "", "bind address for the Prometheus metrics endpoint; empty disables it")
	jwtPubKey = fs.String("jwt-pubkey", "", "PEM-encoded RSA public key used to verify admin API bearer tokens; empty disables JWT validation")
	logLevel = fs.String("log-level", "info", "log level: debug, info, warn, error")
	return
}

// loadRSAPublicKey reads and parses a PEM-encoded RSA public key (PKIX
// SubjectPublicKeyInfo) from path. An empty path disables JWT validation.
func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("jwt public key %q: no PEM block found", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jwt public key %q: %w", path, err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("jwt public key %q: not an RSA public key", path)
	}
	return rsaKey, nil
}

func runTCP(args []string) {
	fs := flag.NewFlagSet("relay tcp", flag.ExitOnError)
	auditLog, adminAddr, metricsAddr, jwtPubKey, logLevel := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "relay tcp: expected exactly one argument, control_port")
		os.Exit(2)
	}
	controlPort, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay tcp: control_port must be an integer: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	pubKey, err := loadRSAPublicKey(*jwtPubKey)
	if err != nil {
		logger.Error("relay: invalid jwt public key", slog.Any("error", err))
		os.Exit(2)
	}

	cfg := supervisor.RelayConfig{
		UseQUIC:      false,
		ControlAddr:  fmt.Sprintf(":%d", controlPort),
		DataAddr:     fmt.Sprintf(":%d", controlPort+1),
		AuditLogPath: *auditLog,
		AdminAddr:    *adminAddr,
		MetricsAddr:  *metricsAddr,
		JWTPublicKey: pubKey,
		Logger:       logger,
	}

	logger.Info("relay starting",
		slog.String("dialect", "tcp"),
		slog.Int("control_port", controlPort),
		slog.Int("data_port", controlPort+1),
	)
	run(cfg, logger)
}

func runQUIC(args []string) {
	fs := flag.NewFlagSet("relay quic", flag.ExitOnError)
	host := fs.String("host", "", "bind host; empty binds all interfaces")
	cert := fs.String("cert", "", "TLS certificate file; empty auto-generates a self-signed certificate")
	key := fs.String("key", "", "TLS key file; empty auto-generates a self-signed certificate")
	auditLog, adminAddr, metricsAddr, jwtPubKey, logLevel := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "relay quic: expected exactly one argument, port")
		os.Exit(2)
	}
	port, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay quic: port must be an integer: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	pubKey, err := loadRSAPublicKey(*jwtPubKey)
	if err != nil {
		logger.Error("relay: invalid jwt public key", slog.Any("error", err))
		os.Exit(2)
	}

	cfg := supervisor.RelayConfig{
		UseQUIC:        true,
		QUICListenAddr: fmt.Sprintf("%s:%d", *host, port),
		CertFile:       *cert,
		KeyFile:        *key,
		AuditLogPath:   *auditLog,
		AdminAddr:      *adminAddr,
		MetricsAddr:    *metricsAddr,
		JWTPublicKey:   pubKey,
		Logger:         logger,
	}

	logger.Info("relay starting", slog.String("dialect", "quic"), slog.Int("port", port))
	run(cfg, logger)
}

func run(cfg supervisor.RelayConfig, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := supervisor.RunRelay(ctx, cfg); err != nil && ctx.Err() == nil {
		logger.Error("relay exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("relay exited cleanly")
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
