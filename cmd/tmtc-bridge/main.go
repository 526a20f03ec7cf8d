package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/groundlink/bridge"
	"github.com/glimte/groundlink/internal/config"
	"github.com/glimte/groundlink/internal/logging"
	"github.com/glimte/groundlink/internal/reliability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type flags struct {
	configFile    string
	envFile       string
	amqpURL       string
	modemHost     string
	ackTimeout    time.Duration
	failurePolicy string
	opsAddr       string
	logLevel      string
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:   "tmtc-bridge",
		Short: "Forward modem telemetry to RabbitMQ and telecommands back",
		Long: `tmtc-bridge reads the modem's telemetry stream and publishes every chunk to
the "tm" fan-out exchange, and forwards each message of the "tc" queue to the
modem's telecommand port, acknowledging it only once the modem has answered.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	fs := rootCmd.Flags()
	fs.StringVarP(&f.configFile, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.envFile, "env-file", ".env", "dotenv file; ignored when missing")
	fs.StringVarP(&f.amqpURL, "url", "u", "", "RabbitMQ connection URL (overrides AMQP_URL)")
	fs.StringVar(&f.modemHost, "modem-host", "", "modem host name (overrides MODEM_HOST)")
	fs.DurationVar(&f.ackTimeout, "ack-timeout", 0, "telecommand acknowledgement timeout")
	fs.StringVar(&f.failurePolicy, "failure-policy", "", "uplink failure policy: fail-fast or continue")
	fs.StringVar(&f.opsAddr, "ops-addr", "", "metrics and health listen address; empty disables")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: f.configFile, EnvFile: f.envFile})
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("url") {
		cfg.AMQPURL = f.amqpURL
	}
	if changed("modem-host") {
		cfg.Modem.Host = f.modemHost
	}
	if changed("ack-timeout") {
		cfg.Bridge.AckTimeout = f.ackTimeout
	}
	if changed("failure-policy") {
		cfg.Bridge.FailurePolicy = f.failurePolicy
	}
	if changed("ops-addr") {
		cfg.Ops.Addr = f.opsAddr
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format, "tmtc-bridge")
	if err != nil {
		return err
	}

	policy, err := bridge.ParseFailurePolicy(cfg.Bridge.FailurePolicy)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := bridge.NewMetrics(reg)
	state := bridge.NewState(metrics)

	bcfg := bridge.Config{
		BrokerURL:       cfg.AMQPURL,
		TelemetryAddr:   cfg.TelemetryAddr(),
		TelecommandAddr: cfg.TelecommandAddr(),
		ChunkSize:       cfg.Bridge.ChunkSize,
		AckTimeout:      cfg.Bridge.AckTimeout,
		DialTimeout:     cfg.Bridge.DialTimeout,
		PublishConfirms: cfg.Bridge.PublishConfirms,
		FailurePolicy:   policy,
		Logger:          logger,
		Metrics:         metrics,
		State:           state,
	}

	opts := []bridge.SupervisorOption{
		bridge.WithSupervisorLogger(logger),
		bridge.WithSupervisorState(state),
	}
	if cfg.Bridge.RestartAttempts > 0 {
		opts = append(opts, bridge.WithRestartPolicy(
			reliability.NewFixedDelay(cfg.Bridge.RestartDelay, cfg.Bridge.RestartAttempts)))
	}
	supervisor := bridge.NewSupervisor(
		[]bridge.Task{bridge.DownlinkTask(bcfg), bridge.UplinkTask(bcfg)},
		opts...,
	)

	logger.Info("starting bridge",
		"version", version,
		"telemetry", bcfg.TelemetryAddr,
		"telecommand", bcfg.TelecommandAddr,
		"failure_policy", policy.String(),
		"restart_attempts", cfg.Bridge.RestartAttempts)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opsDone := make(chan struct{})
	if cfg.Ops.Addr != "" {
		ops := newOpsServer(cfg, reg, state, logger)
		go func() {
			defer close(opsDone)
			if err := ops.run(ctx); err != nil {
				logger.Error("ops server failed", "addr", cfg.Ops.Addr, "error", err)
			}
		}()
	} else {
		close(opsDone)
	}

	err = supervisor.Run(ctx)
	cancel()
	<-opsDone
	return err
}
