package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("json with service attribute", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(&buf, "info", "json", "tmtc-bridge")
		require.NoError(t, err)

		logger.Debug("hidden")
		logger.Info("telemetry chunk published", "bytes", 1024)

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "telemetry chunk published", record["msg"])
		assert.Equal(t, "tmtc-bridge", record["service"])
		assert.Equal(t, float64(1024), record["bytes"])
	})

	t.Run("text at debug", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(&buf, "debug", "text", "")
		require.NoError(t, err)

		logger.Debug("closing modem connection")
		assert.Contains(t, buf.String(), "level=DEBUG")
		assert.NotContains(t, buf.String(), "service=")
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := New(&bytes.Buffer{}, "info", "xml", "")
		assert.Error(t, err)
	})
}
