package groundlink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/glimte/groundlink/internal/reliability"
)

// MetricsEndpoints are polled in this order on every round
var MetricsEndpoints = []string{"status", "signal_strength", "bit_error_rate", "statistics"}

// HTTPStatusError is returned when the modem answers with a non-200 status
type HTTPStatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("metrics %s: unexpected status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Reading is the outcome of fetching one metrics endpoint
type Reading struct {
	Endpoint string
	Data     map[string]any
	Err      error
	At       time.Time
}

// MetricsClient reads the modem's JSON metrics surface
type MetricsClient struct {
	baseURL    string
	httpClient *http.Client
}

// MetricsOption configures the metrics client
type MetricsOption func(*MetricsClient)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(client *http.Client) MetricsOption {
	return func(c *MetricsClient) {
		c.httpClient = client
	}
}

// NewMetricsClient creates a client for the metrics surface at baseURL,
// e.g. http://modem:8000
func NewMetricsClient(baseURL string, options ...MetricsOption) *MetricsClient {
	c := &MetricsClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Fetch reads /metrics/<endpoint> and decodes the JSON object
func (c *MetricsClient) Fetch(ctx context.Context, endpoint string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics/"+endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metrics %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPStatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("metrics %s: decoding response: %w", endpoint, err)
	}
	return data, nil
}

// Poll fetches every endpoint in MetricsEndpoints, then waits interval, until
// ctx is done. Fetch failures are passed to fn and do not stop polling.
func (c *MetricsClient) Poll(ctx context.Context, interval time.Duration, fn func(Reading)) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}

	for {
		for _, endpoint := range MetricsEndpoints {
			data, err := c.Fetch(ctx, endpoint)
			if ctx.Err() != nil {
				return nil
			}
			fn(Reading{Endpoint: endpoint, Data: data, Err: err, At: time.Now()})
		}
		if err := reliability.Sleep(ctx, interval); err != nil {
			return nil
		}
	}
}
