package groundlink

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glimte/groundlink/internal/modem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modemServer(t *testing.T, errorRate float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(modem.NewMetricsHandler(&modem.Stats{}, errorRate, slog.New(slog.DiscardHandler)))
	t.Cleanup(srv.Close)
	return srv
}

func TestMetricsClientFetch(t *testing.T) {
	srv := modemServer(t, 0)
	client := NewMetricsClient(srv.URL + "/")

	status, err := client.Fetch(context.Background(), "status")
	require.NoError(t, err)
	assert.Equal(t, "OK", status["status"])

	stats, err := client.Fetch(context.Background(), "statistics")
	require.NoError(t, err)
	assert.Equal(t, 0.0, stats["downlink"])
	assert.Equal(t, 0.0, stats["uplink"])
}

func TestMetricsClientFetchNotFound(t *testing.T) {
	srv := modemServer(t, 0)

	_, err := NewMetricsClient(srv.URL).Fetch(context.Background(), "temperature")

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, "temperature", statusErr.Endpoint)
}

func TestMetricsClientFetchBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewMetricsClient(srv.URL).Fetch(context.Background(), "status")
	assert.ErrorContains(t, err, "decoding response")
}

func TestMetricsClientPoll(t *testing.T) {
	srv := modemServer(t, 1)
	client := NewMetricsClient(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var readings []Reading
	done := make(chan error, 1)
	go func() {
		done <- client.Poll(ctx, 10*time.Millisecond, func(r Reading) {
			mu.Lock()
			defer mu.Unlock()
			readings = append(readings, r)
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(readings) >= 2*len(MetricsEndpoints)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	for i, r := range readings[:2*len(MetricsEndpoints)] {
		assert.Equal(t, MetricsEndpoints[i%len(MetricsEndpoints)], r.Endpoint)
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, "ERROR", readings[0].Data["status"])
}

func TestMetricsClientPollReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "modem rebooting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var failures int
	err := NewMetricsClient(srv.URL).Poll(ctx, time.Hour, func(r Reading) {
		if r.Err != nil {
			failures++
		}
		if failures == len(MetricsEndpoints) {
			cancel()
		}
	})

	assert.NoError(t, err)
	assert.Equal(t, len(MetricsEndpoints), failures)
}

func TestMetricsClientPollRejectsZeroInterval(t *testing.T) {
	err := NewMetricsClient("http://127.0.0.1:1").Poll(context.Background(), 0, func(Reading) {})
	assert.Error(t, err)
}
