package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/groundlink"
	"github.com/glimte/groundlink/internal/config"
	"github.com/glimte/groundlink/internal/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globals struct {
	configFile string
	envFile    string
	amqpURL    string
	metricsURL string
	verbose    bool
}

func main() {
	var g globals

	rootCmd := &cobra.Command{
		Use:   "groundctl",
		Short: "Ground-side client for the TM/TC bridge",
		Long: `groundctl subscribes to telemetry, sends telecommands through the broker and
polls the modem's metrics surface.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.configFile, "config", "c", "", "YAML configuration file")
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file; ignored when missing")
	pf.StringVarP(&g.amqpURL, "url", "u", "", "RabbitMQ connection URL (overrides AMQP_URL)")
	pf.StringVar(&g.metricsURL, "metrics-url", "", "modem metrics base URL, e.g. http://modem:8000")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Enable verbose output")

	// TM command
	tmCmd := &cobra.Command{
		Use:   "tm",
		Short: "Print telemetry chunks as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd, g)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			client, err := env.client()
			if err != nil {
				return err
			}
			defer client.Close()
			return receiveTM(ctx, client)
		},
	}

	// TC command
	tcCmd := &cobra.Command{
		Use:   "tc [command]",
		Short: "Send one telecommand",
		Long:  `Send one telecommand. Without an argument "CMD: CHECK_STATUS" is sent.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd, g)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			client, err := env.client()
			if err != nil {
				return err
			}
			defer client.Close()
			return sendTC(ctx, client, args)
		},
	}

	// Metrics command
	var (
		interval time.Duration
		once     bool
	)
	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Poll the modem metrics surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd, g)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			metrics := groundlink.NewMetricsClient(env.metricsURL)
			if once {
				for _, endpoint := range groundlink.MetricsEndpoints {
					data, err := metrics.Fetch(ctx, endpoint)
					printReading(groundlink.Reading{Endpoint: endpoint, Data: data, Err: err})
					if err != nil {
						return err
					}
				}
				return nil
			}
			return metrics.Poll(ctx, interval, printReading)
		},
	}
	metricsCmd.Flags().DurationVarP(&interval, "interval", "i", 5*time.Second, "poll interval")
	metricsCmd.Flags().BoolVar(&once, "once", false, "fetch every endpoint once and exit")

	// Run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Receive telemetry, poll metrics and send one telecommand concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd, g)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			client, err := env.client()
			if err != nil {
				return err
			}
			defer client.Close()

			metrics := groundlink.NewMetricsClient(env.metricsURL)
			group, gctx := errgroup.WithContext(ctx)
			group.Go(func() error { return receiveTM(gctx, client) })
			group.Go(func() error { return metrics.Poll(gctx, interval, printReading) })
			group.Go(func() error { return sendTC(gctx, client, args) })
			return group.Wait()
		},
	}
	runCmd.Flags().DurationVarP(&interval, "interval", "i", 5*time.Second, "metrics poll interval")

	// Queue command
	var watch bool
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the telecommand backlog",
		Long:  "Show pending telecommands and bridge consumers on the tc queue. With --watch the view refreshes every interval.",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd, g)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			client, err := env.client()
			if err != nil {
				return err
			}
			defer client.Close()

			if !watch {
				status, err := client.TelecommandBacklog(ctx)
				if err != nil {
					return err
				}
				printQueue(status)
				return nil
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				status, err := client.TelecommandBacklog(ctx)
				if err != nil {
					fmt.Printf("Error: %v\n", err)
				} else {
					printQueue(status)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	queueCmd.Flags().BoolVarP(&watch, "watch", "w", false, "refresh until interrupted")
	queueCmd.Flags().DurationVarP(&interval, "interval", "i", 5*time.Second, "refresh interval")

	rootCmd.AddCommand(tmCmd, tcCmd, metricsCmd, runCmd, queueCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// environment is the resolved connection settings of one invocation
type environment struct {
	amqpURL    string
	metricsURL string
	logger     *slog.Logger
}

func setup(cmd *cobra.Command, g globals) (*environment, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: g.configFile, EnvFile: g.envFile})
	if err != nil {
		return nil, err
	}

	level := "warn"
	if g.verbose {
		level = "debug"
	}
	logger, err := logging.New(os.Stderr, level, cfg.Log.Format, "groundctl")
	if err != nil {
		return nil, err
	}

	env := &environment{
		amqpURL:    cfg.AMQPURL,
		metricsURL: cfg.MetricsURL(),
		logger:     logger,
	}
	if cmd.Flags().Changed("url") {
		env.amqpURL = g.amqpURL
	}
	if cmd.Flags().Changed("metrics-url") {
		env.metricsURL = g.metricsURL
	}
	return env, nil
}

func (e *environment) client() (*groundlink.Client, error) {
	client, err := groundlink.NewClientWithOptions(e.amqpURL, groundlink.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

func receiveTM(ctx context.Context, client *groundlink.Client) error {
	fmt.Println("Receiving telemetry... Press Ctrl+C to stop")
	return client.ReceiveTelemetry(ctx, func(ctx context.Context, tm groundlink.Telemetry) error {
		fmt.Printf("[TM] Received: %d bytes\n", len(tm.Body))
		return nil
	})
}

func sendTC(ctx context.Context, client *groundlink.Client, args []string) error {
	var body []byte
	if len(args) > 0 {
		body = []byte(args[0])
	}
	id, err := client.SendTelecommand(ctx, body)
	if err != nil {
		return err
	}
	fmt.Printf("[TC] Sent telecommand %s\n", id)
	return nil
}

// Output formatting functions

func printQueue(status groundlink.QueueStatus) {
	highlight := ""
	switch {
	case status.Consumers == 0:
		highlight = " (no bridge consuming)"
	case status.Messages > 100:
		highlight = " (backlog)"
	}
	fmt.Printf("%s  %-10s messages=%-6d consumers=%d%s\n",
		time.Now().Format("15:04:05"), status.Name, status.Messages, status.Consumers, highlight)
}

func printReading(r groundlink.Reading) {
	if r.Err != nil {
		fmt.Printf("[METRICS] %s: error: %v\n", r.Endpoint, r.Err)
		return
	}

	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := json.Marshal(r.Data[k])
		fields = append(fields, fmt.Sprintf("%s=%s", k, v))
	}
	fmt.Printf("[METRICS] %s: %s\n", r.Endpoint, strings.Join(fields, " "))
}
