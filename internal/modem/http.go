package modem

import (
	"encoding/json"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
)

const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// MetricsHandler serves the simulated link metrics
type MetricsHandler struct {
	stats     *Stats
	errorRate float64
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewMetricsHandler creates the metrics surface. errorRate is the
// probability that /metrics/status reports ERROR.
func NewMetricsHandler(stats *Stats, errorRate float64, logger *slog.Logger) *MetricsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &MetricsHandler{
		stats:     stats,
		errorRate: errorRate,
		logger:    logger.With("server", "metrics"),
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /metrics/status", h.status)
	h.mux.HandleFunc("GET /metrics/signal_strength", h.signalStrength)
	h.mux.HandleFunc("GET /metrics/bit_error_rate", h.bitErrorRate)
	h.mux.HandleFunc("GET /metrics/statistics", h.statistics)
	h.mux.HandleFunc("GET /health", h.health)
	return h
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *MetricsHandler) status(w http.ResponseWriter, r *http.Request) {
	status := StatusOK
	if rand.Float64() < h.errorRate {
		status = StatusError
	}
	h.writeJSON(w, map[string]string{"status": status})
}

func (h *MetricsHandler) signalStrength(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]int{"signal_strength": rand.IntN(101)})
}

func (h *MetricsHandler) bitErrorRate(w http.ResponseWriter, r *http.Request) {
	ber := math.Round(rand.Float64()*10000) / 10000
	h.writeJSON(w, map[string]float64{"bit_error_rate": ber})
}

func (h *MetricsHandler) statistics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.stats.Snapshot())
}

func (h *MetricsHandler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *MetricsHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("writing metrics response", "error", err)
	}
}
