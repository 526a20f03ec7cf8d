package groundlink

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/glimte/groundlink/bridge"
	"github.com/glimte/groundlink/internal/modem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brokerURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("AMQP_URL not set, skipping integration test")
	}
	return url
}

func loopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestEndToEnd(t *testing.T) {
	url := brokerURL(t)
	logger := slog.New(slog.DiscardHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sim, err := modem.New(modem.Config{
		ChunkSize:   1024,
		MinInterval: 10 * time.Millisecond,
		MaxInterval: 20 * time.Millisecond,
		Logger:      logger,
	})
	require.NoError(t, err)

	tmLn, tcLn, httpLn := loopback(t), loopback(t), loopback(t)
	go sim.Serve(ctx, tmLn, tcLn, httpLn)

	client, err := NewClientWithOptions(url, WithLogger(logger))
	require.NoError(t, err)
	defer client.Close()

	chunks := make(chan Telemetry, 16)
	go client.ReceiveTelemetry(ctx, func(ctx context.Context, tm Telemetry) error {
		select {
		case chunks <- tm:
		default:
		}
		return nil
	})

	state := bridge.NewState(nil)
	cfg := bridge.Config{
		BrokerURL:       url,
		TelemetryAddr:   tmLn.Addr().String(),
		TelecommandAddr: tcLn.Addr().String(),
		AckTimeout:      2 * time.Second,
		DialTimeout:     5 * time.Second,
		Logger:          logger,
		State:           state,
	}
	supervisor := bridge.NewSupervisor(
		[]bridge.Task{bridge.DownlinkTask(cfg), bridge.UplinkTask(cfg)},
		bridge.WithSupervisorLogger(logger),
		bridge.WithSupervisorState(state),
	)
	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- supervisor.Run(ctx) }()

	select {
	case tm := <-chunks:
		assert.NotEmpty(t, tm.MessageID)
		assert.LessOrEqual(t, len(tm.Body), 1024)
		assert.NotEmpty(t, tm.Body)
	case <-ctx.Done():
		t.Fatal("no telemetry received")
	}

	_, err = client.SendTelecommand(ctx, []byte("CMD: PING"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return sim.Stats().Snapshot().Uplink >= 1
	}, 10*time.Second, 50*time.Millisecond)

	metrics := NewMetricsClient("http://" + httpLn.Addr().String())
	stats, err := metrics.Fetch(ctx, "statistics")
	require.NoError(t, err)
	assert.Greater(t, stats["downlink"], 0.0)

	cancel()
	select {
	case err := <-bridgeDone:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("bridge did not stop")
	}
}
