// Package modem simulates the ground-station modem: a telemetry stream, a
// telecommand endpoint that acknowledges every command and a JSON metrics
// surface over HTTP.
package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config is the simulator's listen side
type Config struct {
	TMAddr      string
	TCAddr      string
	HTTPAddr    string
	ChunkSize   int
	MinInterval time.Duration
	MaxInterval time.Duration
	ErrorRate   float64
	AcceptRate  float64
	Logger      *slog.Logger
}

// Simulator runs the three modem surfaces over shared Stats
type Simulator struct {
	cfg       Config
	stats     *Stats
	telemetry *TelemetryServer
	commands  *TelecommandServer
	metrics   *MetricsHandler
	logger    *slog.Logger
}

// New creates a simulator
func New(cfg Config) (*Simulator, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("modem: chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.MinInterval <= 0 || cfg.MaxInterval < cfg.MinInterval {
		return nil, fmt.Errorf("modem: invalid telemetry interval [%s, %s]", cfg.MinInterval, cfg.MaxInterval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stats := &Stats{}
	return &Simulator{
		cfg:       cfg,
		stats:     stats,
		telemetry: NewTelemetryServer(stats, cfg.ChunkSize, cfg.MinInterval, cfg.MaxInterval, logger),
		commands:  NewTelecommandServer(stats, cfg.AcceptRate, logger),
		metrics:   NewMetricsHandler(stats, cfg.ErrorRate, logger),
		logger:    logger,
	}, nil
}

// Stats returns the live counters
func (s *Simulator) Stats() *Stats {
	return s.stats
}

// Run listens on every configured address and serves until ctx is done or
// one surface fails
func (s *Simulator) Run(ctx context.Context) error {
	tmLn, err := net.Listen("tcp", s.cfg.TMAddr)
	if err != nil {
		return fmt.Errorf("modem: telemetry listener: %w", err)
	}
	tcLn, err := net.Listen("tcp", s.cfg.TCAddr)
	if err != nil {
		tmLn.Close()
		return fmt.Errorf("modem: telecommand listener: %w", err)
	}
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		tmLn.Close()
		tcLn.Close()
		return fmt.Errorf("modem: metrics listener: %w", err)
	}
	return s.Serve(ctx, tmLn, tcLn, httpLn)
}

// Serve runs on listeners the caller opened and closes them on return
func (s *Simulator) Serve(ctx context.Context, tmLn, tcLn, httpLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.telemetry.Serve(gctx, tmLn)
	})
	g.Go(func() error {
		return s.commands.Serve(gctx, tcLn)
	})

	srv := &http.Server{
		Handler:           s.metrics,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		s.logger.Info("metrics server listening", "addr", httpLn.Addr().String())
		if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
