package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/groundlink/internal/config"
	"github.com/glimte/groundlink/internal/logging"
	"github.com/glimte/groundlink/internal/modem"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configFile string
		envFile    string
		tmAddr     string
		tcAddr     string
		httpAddr   string
		errorRate  float64
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "modem-sim",
		Short: "Simulate the ground-station modem",
		Long: `modem-sim streams random telemetry on the TM port, acknowledges every
telecommand on the TC port with "ACK", and serves link metrics as JSON.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{ConfigFile: configFile, EnvFile: envFile})
			if err != nil {
				return err
			}

			changed := cmd.Flags().Changed
			if changed("tm-addr") {
				cfg.Simulator.TMAddr = tmAddr
			}
			if changed("tc-addr") {
				cfg.Simulator.TCAddr = tcAddr
			}
			if changed("http-addr") {
				cfg.Simulator.HTTPAddr = httpAddr
			}
			if changed("error-rate") {
				cfg.Simulator.ErrorRate = errorRate
			}
			if changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format, "modem-sim")
			if err != nil {
				return err
			}

			sim, err := modem.New(modem.Config{
				TMAddr:      cfg.Simulator.TMAddr,
				TCAddr:      cfg.Simulator.TCAddr,
				HTTPAddr:    cfg.Simulator.HTTPAddr,
				ChunkSize:   cfg.Simulator.ChunkSize,
				MinInterval: cfg.Simulator.MinInterval,
				MaxInterval: cfg.Simulator.MaxInterval,
				ErrorRate:   cfg.Simulator.ErrorRate,
				AcceptRate:  cfg.Simulator.AcceptRate,
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting modem simulator", "version", version)
			if err := sim.Run(ctx); err != nil {
				return err
			}
			snap := sim.Stats().Snapshot()
			logger.Info("modem simulator stopped", "downlink", snap.Downlink, "uplink", snap.Uplink)
			return nil
		},
	}

	fs := rootCmd.Flags()
	fs.StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	fs.StringVar(&envFile, "env-file", ".env", "dotenv file; ignored when missing")
	fs.StringVar(&tmAddr, "tm-addr", "", "telemetry listen address (overrides SIM_TM_ADDR)")
	fs.StringVar(&tcAddr, "tc-addr", "", "telecommand listen address (overrides SIM_TC_ADDR)")
	fs.StringVar(&httpAddr, "http-addr", "", "metrics listen address (overrides SIM_HTTP_ADDR)")
	fs.Float64Var(&errorRate, "error-rate", 0, "probability that /metrics/status reports ERROR")
	fs.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
