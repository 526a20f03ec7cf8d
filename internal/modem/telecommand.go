package modem

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"golang.org/x/time/rate"
)

// AckToken is written back for every telecommand read
var AckToken = []byte("ACK")

const telecommandBufferSize = 1024

// TelecommandServer acknowledges every telecommand it reads. New
// connections are admitted through a token-bucket limiter.
type TelecommandServer struct {
	stats   *Stats
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewTelecommandServer creates a telecommand server admitting at most
// acceptRate connections per second, with a burst of the same size. A
// non-positive rate disables pacing.
func NewTelecommandServer(stats *Stats, acceptRate float64, logger *slog.Logger) *TelecommandServer {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if acceptRate > 0 {
		burst := int(acceptRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(acceptRate), burst)
	}
	return &TelecommandServer{
		stats:   stats,
		limiter: limiter,
		logger:  logger.With("server", "tc"),
	}
}

// Serve accepts connections on ln until ctx is done
func (s *TelecommandServer) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.logger.Info("telecommand server listening", "addr", ln.Addr().String())
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(ctx, conn)
	}
}

// handle answers each read with AckToken until the client closes
func (s *TelecommandServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, telecommandBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.stats.addUplink()
			s.logger.Info("telecommand received", "bytes", n)
			if _, werr := conn.Write(AckToken); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
