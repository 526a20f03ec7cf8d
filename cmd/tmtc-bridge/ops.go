package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/groundlink/bridge"
	"github.com/glimte/groundlink/health"
	"github.com/glimte/groundlink/internal/config"
	"github.com/glimte/groundlink/internal/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthTimeout = 5 * time.Second

// opsServer exposes /metrics and the health endpoints
type opsServer struct {
	server *http.Server
	logger *slog.Logger
}

func newOpsServer(cfg *config.Config, reg *prometheus.Registry, state *bridge.State, logger *slog.Logger) *opsServer {
	registry := health.NewRegistry()
	registry.SetMetadata("service", "tmtc-bridge")
	registry.SetMetadata("version", version)
	registry.WatchForwarders(state)
	registry.AddDependency(health.NewTCPChecker("modem_tm", cfg.TelemetryAddr(), 2*time.Second))
	registry.AddDependency(health.NewTCPChecker("modem_tc", cfg.TelecommandAddr(), 2*time.Second))
	registry.AddDependency(health.NewBrokerChecker(cfg.AMQPURL, rabbitmq.TelecommandQueue, 2*time.Second))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	health.Mount(mux, registry, healthTimeout)

	return &opsServer{
		server: &http.Server{
			Addr:              cfg.Ops.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// run serves until ctx is done
func (o *opsServer) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		o.logger.Info("ops server listening", "addr", o.server.Addr)
		errCh <- o.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return o.server.Shutdown(shutdownCtx)
}
