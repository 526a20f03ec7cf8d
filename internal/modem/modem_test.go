package modem

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func serve(t *testing.T, fn func(ctx context.Context) error) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return cancel
}

func TestTelemetryServerStreamsChunks(t *testing.T) {
	stats := &Stats{}
	server := NewTelemetryServer(stats, 1024, time.Millisecond, 5*time.Millisecond, discardLogger())
	ln := listen(t)
	serve(t, func(ctx context.Context) error { return server.Serve(ctx, ln) })

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 3*1024)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return stats.Snapshot().Downlink >= 3
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, stats.Snapshot().Uplink)
}

func TestTelemetryServerFixedInterval(t *testing.T) {
	server := NewTelemetryServer(&Stats{}, 8, 20*time.Millisecond, 20*time.Millisecond, nil)
	assert.Equal(t, 20*time.Millisecond, server.interval())

	server = NewTelemetryServer(&Stats{}, 8, 10*time.Millisecond, 30*time.Millisecond, nil)
	for range 100 {
		d := server.interval()
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 30*time.Millisecond)
	}
}

func TestFillRandomCoversOddLengths(t *testing.T) {
	b := make([]byte, 13)
	for range 10 {
		fillRandom(b)
		for _, v := range b {
			if v != 0 {
				return
			}
		}
	}
	t.Fatal("fillRandom left the buffer zeroed")
}

func TestTelecommandServerAcknowledges(t *testing.T) {
	stats := &Stats{}
	server := NewTelecommandServer(stats, 0, discardLogger())
	ln := listen(t)
	serve(t, func(ctx context.Context) error { return server.Serve(ctx, ln) })

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	for _, cmd := range []string{"PING", "SET MODE 2"} {
		_, err := conn.Write([]byte(cmd))
		require.NoError(t, err)

		ack := make([]byte, len(AckToken))
		_, err = io.ReadFull(conn, ack)
		require.NoError(t, err)
		assert.Equal(t, AckToken, ack)
	}

	assert.Equal(t, uint64(2), stats.Snapshot().Uplink)
	assert.Zero(t, stats.Snapshot().Downlink)
}

func TestTelecommandServerPacedAccept(t *testing.T) {
	stats := &Stats{}
	server := NewTelecommandServer(stats, 1000, discardLogger())
	ln := listen(t)
	serve(t, func(ctx context.Context) error { return server.Serve(ctx, ln) })

	for range 3 {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		_, err = conn.Write([]byte("x"))
		require.NoError(t, err)
		ack := make([]byte, len(AckToken))
		_, err = io.ReadFull(conn, ack)
		require.NoError(t, err)
		conn.Close()
	}
	assert.Equal(t, uint64(3), stats.Snapshot().Uplink)
}

func getJSON(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	if rec.Code != http.StatusOK {
		return rec, nil
	}
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestMetricsHandler(t *testing.T) {
	stats := &Stats{}
	stats.addDownlink()
	stats.addDownlink()
	stats.addUplink()

	t.Run("status always OK with zero error rate", func(t *testing.T) {
		h := NewMetricsHandler(stats, 0, discardLogger())
		for range 20 {
			_, body := getJSON(t, h, http.MethodGet, "/metrics/status")
			assert.Equal(t, StatusOK, body["status"])
		}
	})

	t.Run("status always ERROR with error rate one", func(t *testing.T) {
		h := NewMetricsHandler(stats, 1, discardLogger())
		_, body := getJSON(t, h, http.MethodGet, "/metrics/status")
		assert.Equal(t, StatusError, body["status"])
	})

	h := NewMetricsHandler(stats, 0, discardLogger())

	t.Run("signal strength in range", func(t *testing.T) {
		for range 20 {
			_, body := getJSON(t, h, http.MethodGet, "/metrics/signal_strength")
			v, ok := body["signal_strength"].(float64)
			require.True(t, ok)
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 100.0)
			assert.Equal(t, float64(int(v)), v)
		}
	})

	t.Run("bit error rate has four decimals", func(t *testing.T) {
		_, body := getJSON(t, h, http.MethodGet, "/metrics/bit_error_rate")
		v, ok := body["bit_error_rate"].(float64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
		assert.InDelta(t, v, float64(int(v*10000+0.5))/10000, 1e-9)
	})

	t.Run("statistics", func(t *testing.T) {
		_, body := getJSON(t, h, http.MethodGet, "/metrics/statistics")
		assert.Equal(t, 2.0, body["downlink"])
		assert.Equal(t, 1.0, body["uplink"])
	})

	t.Run("health", func(t *testing.T) {
		_, body := getJSON(t, h, http.MethodGet, "/health")
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("wrong method", func(t *testing.T) {
		rec, _ := getJSON(t, h, http.MethodPost, "/metrics/status")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("unknown path", func(t *testing.T) {
		rec, _ := getJSON(t, h, http.MethodGet, "/metrics/temperature")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSimulatorServe(t *testing.T) {
	sim, err := New(Config{
		ChunkSize:   16,
		MinInterval: time.Millisecond,
		MaxInterval: 2 * time.Millisecond,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	tmLn, tcLn, httpLn := listen(t), listen(t), listen(t)
	serve(t, func(ctx context.Context) error { return sim.Serve(ctx, tmLn, tcLn, httpLn) })

	tm, err := net.Dial("tcp", tmLn.Addr().String())
	require.NoError(t, err)
	defer tm.Close()
	tm.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(tm, make([]byte, 16))
	require.NoError(t, err)

	tc, err := net.Dial("tcp", tcLn.Addr().String())
	require.NoError(t, err)
	defer tc.Close()
	tc.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = tc.Write([]byte("CMD"))
	require.NoError(t, err)
	_, err = io.ReadFull(tc, make([]byte, len(AckToken)))
	require.NoError(t, err)

	resp, err := http.Get("http://" + httpLn.Addr().String() + "/metrics/statistics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.GreaterOrEqual(t, snap.Downlink, uint64(1))
	assert.Equal(t, uint64(1), snap.Uplink)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{ChunkSize: 0, MinInterval: time.Millisecond, MaxInterval: time.Millisecond})
	assert.Error(t, err)

	_, err = New(Config{ChunkSize: 8, MinInterval: 2 * time.Millisecond, MaxInterval: time.Millisecond})
	assert.Error(t, err)
}
