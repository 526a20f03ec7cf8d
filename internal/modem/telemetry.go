package modem

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/glimte/groundlink/internal/reliability"
)

// TelemetryServer streams random telemetry chunks to every connected client
type TelemetryServer struct {
	stats       *Stats
	chunkSize   int
	minInterval time.Duration
	maxInterval time.Duration
	logger      *slog.Logger
}

// NewTelemetryServer creates a telemetry server. Each connection receives
// chunkSize random bytes every U(minInterval, maxInterval).
func NewTelemetryServer(stats *Stats, chunkSize int, minInterval, maxInterval time.Duration, logger *slog.Logger) *TelemetryServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelemetryServer{
		stats:       stats,
		chunkSize:   chunkSize,
		minInterval: minInterval,
		maxInterval: maxInterval,
		logger:      logger.With("server", "tm"),
	}
}

// Serve accepts connections on ln until ctx is done
func (s *TelemetryServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("telemetry server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.stream(ctx, conn)
	}
}

func (s *TelemetryServer) stream(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("telemetry client connected")

	chunk := make([]byte, s.chunkSize)
	for {
		if err := reliability.Sleep(ctx, s.interval()); err != nil {
			return
		}
		fillRandom(chunk)
		if _, err := conn.Write(chunk); err != nil {
			logger.Info("telemetry client gone", "error", err)
			return
		}
		s.stats.addDownlink()
	}
}

func (s *TelemetryServer) interval() time.Duration {
	spread := s.maxInterval - s.minInterval
	if spread <= 0 {
		return s.minInterval
	}
	return s.minInterval + rand.N(spread)
}

func fillRandom(b []byte) {
	for i := 0; i < len(b); i += 8 {
		v := rand.Uint64()
		for j := 0; j < 8 && i+j < len(b); j++ {
			b[i+j] = byte(v >> (8 * j))
		}
	}
}
