package supervisor

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaytun/tunnel/internal/adminapi"
	"github.com/relaytun/tunnel/internal/adminapi/events"
	"github.com/relaytun/tunnel/internal/audit"
	"github.com/relaytun/tunnel/internal/dataplane/quicplane"
	"github.com/relaytun/tunnel/internal/dataplane/tcpplane"
	"github.com/relaytun/tunnel/internal/metrics"
	"github.com/relaytun/tunnel/internal/registry"
)

// RelayConfig configures a full Relay run: the data plane (TCP or QUIC),
// plus the ambient audit log, admin API, and metrics server described by
// SPEC_FULL.md §4.10/§6.
type RelayConfig struct {
	UseQUIC bool

	// TCP variant.
	ControlAddr string
	DataAddr    string

	// QUIC variant.
	QUICListenAddr string
	CertFile       string
	KeyFile        string

	AuditLogPath string         // empty disables audit logging
	AdminAddr    string         // empty disables the admin API
	MetricsAddr  string         // empty disables the metrics server
	JWTPublicKey *rsa.PublicKey // nil disables admin API JWT validation

	Logger *slog.Logger
}

// broadcastSink fans every registry mutation out to both the tamper-evident
// audit log (when configured) and the admin API's live event feed.
type broadcastSink struct {
	audit *audit.PortSink // nil when audit logging is disabled
	bc    *events.Broadcaster
}

func (s *broadcastSink) RecordPortEvent(event string, port int, agentID uuid.UUID) {
	if s.audit != nil {
		s.audit.RecordPortEvent(event, port, agentID)
	}
	s.bc.Broadcast(events.PortEvent{Type: event, Port: port, AgentID: agentID, Timestamp: time.Now()})
}

// RunRelay builds the Port Registry, audit logger, chosen data plane, admin
// API, and metrics server, and drives them until ctx is cancelled.
func RunRelay(ctx context.Context, cfg RelayConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var portSink *audit.PortSink
	if cfg.AuditLogPath != "" {
		logFile, err := audit.Open(cfg.AuditLogPath)
		if err != nil {
			logger.Warn("supervisor: audit log disabled", slog.String("path", cfg.AuditLogPath), slog.Any("error", err))
		} else {
			defer logFile.Close()
			portSink = audit.NewPortSink(logFile, logger)
		}
	}

	bc := events.NewBroadcaster(logger, 0)
	defer bc.Close()

	reg := registry.New(func(port int) (net.Listener, error) {
		return net.Listen("tcp", fmt.Sprintf(":%d", port))
	}, &broadcastSink{audit: portSink, bc: bc})

	m := metrics.New()
	reg.SetMetrics(m)

	g, gctx := errgroup.WithContext(ctx)

	var sessionSource adminapi.SessionLister

	if cfg.UseQUIC {
		relay := quicplane.NewRelay(quicplane.RelayConfig{
			ListenAddr: cfg.QUICListenAddr,
			CertFile:   cfg.CertFile,
			KeyFile:    cfg.KeyFile,
			Logger:     logger,
			Metrics:    m,
		}, reg)
		sessionSource = relay
		g.Go(func() error { return relay.Run(gctx) })
	} else {
		relay := tcpplane.NewRelay(tcpplane.RelayConfig{
			ControlAddr: cfg.ControlAddr,
			DataAddr:    cfg.DataAddr,
			Logger:      logger,
			Metrics:     m,
		}, reg)
		sessionSource = relay
		g.Go(func() error { return relay.Run(gctx) })
	}

	if cfg.AdminAddr != "" {
		adminSrv := adminapi.NewServer(reg, sessionSource, cfg.AuditLogPath, bc, logger)
		httpSrv := &http.Server{Addr: cfg.AdminAddr, Handler: adminapi.NewRouter(adminSrv, cfg.JWTPublicKey)}
		g.Go(func() error {
			if err := runHTTPServer(gctx, httpSrv); err != nil {
				logger.Warn("supervisor: admin API disabled", slog.String("addr", cfg.AdminAddr), slog.Any("error", err))
			}
			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
		g.Go(func() error {
			if err := runHTTPServer(gctx, httpSrv); err != nil {
				logger.Warn("supervisor: metrics server disabled", slog.String("addr", cfg.MetricsAddr), slog.Any("error", err))
			}
			return nil
		})
	}

	return g.Wait()
}

// runHTTPServer serves srv until ctx is cancelled, then shuts it down.
func runHTTPServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
