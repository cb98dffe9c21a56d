package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/weather-tracker-service/internal/observability"
)

// WeatherClient fetches raw forecast payloads from the upstream provider.
type WeatherClient interface {
	Fetch(ctx context.Context, latitude, longitude float64) (json.RawMessage, error)
	Ping(ctx context.Context) error
}

var (
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrCircuitOpen     = errors.New("circuit breaker open")
)

// DefaultURL is the Open-Meteo forecast endpoint.
const DefaultURL = "https://api.open-meteo.com/v1/forecast"

// DefaultTimeout bounds a single upstream request.
const DefaultTimeout = 30 * time.Second

var (
	currentVars = []string{"temperature_2m", "wind_speed_10m", "pressure_msl", "relative_humidity_2m", "precipitation"}
	hourlyVars  = []string{"temperature_2m", "relative_humidity_2m", "wind_speed_10m", "precipitation"}
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 4 << 20

type OpenMeteoClient struct {
	apiURL  string
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewOpenMeteoClient returns a client for apiURL. Zero timeout uses DefaultTimeout.
func NewOpenMeteoClient(apiURL string, timeout time.Duration) (*OpenMeteoClient, error) {
	if apiURL == "" {
		apiURL = DefaultURL
	}
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: bad API URL %q", ErrInvalidRequest, apiURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenMeteoClient{
		apiURL:  apiURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int
	HalfOpenRequests int
	Timeout          time.Duration
	OnStateChange    func(from, to gobreaker.State)
}

// SetCircuitBreaker enables a breaker that opens after FailureThreshold
// consecutive upstream failures. Caller cancellations and bad requests do not count.
func (c *OpenMeteoClient) SetCircuitBreaker(cfg BreakerConfig) {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	threshold := uint32(cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        "open_meteo",
		MaxRequests: uint32(cfg.HalfOpenRequests),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, ErrInvalidRequest)
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			cfg.OnStateChange(from, to)
		}
	}
	c.breaker = gobreaker.NewCircuitBreaker(settings)
}

// Fetch returns the raw forecast payload for the coordinates. A single attempt is made.
func (c *OpenMeteoClient) Fetch(ctx context.Context, latitude, longitude float64) (json.RawMessage, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, latitude, longitude)
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.callAPI(ctx, latitude, longitude)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.WeatherAPICallsTotal.WithLabelValues("circuit_open").Inc()
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}
	return out.(json.RawMessage), nil
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, latitude, longitude float64) (json.RawMessage, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, latitude, longitude)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: request timeout: %v", ErrUpstreamFailure, err)
		}
		return nil, fmt.Errorf("%w: http request failed: %v", ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", ErrUpstreamFailure, err)
	}

	if err := handleErrorResponse(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return validatePayload(body)
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, latitude, longitude float64) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := baseURL.Query()
	params.Set("latitude", strconv.FormatFloat(latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(longitude, 'f', -1, 64))
	params.Set("current", strings.Join(currentVars, ","))
	params.Set("hourly", strings.Join(hourlyVars, ","))
	params.Set("forecast_days", "1")
	params.Set("timezone", "auto")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// handleErrorResponse maps non-2xx statuses. Open-Meteo reports bad
// parameters as 400 with {"error": true, "reason": "..."}.
func handleErrorResponse(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusBadRequest:
		var apiErr struct {
			Reason string `json:"reason"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Reason != "" {
			return fmt.Errorf("%w: %s", ErrInvalidRequest, apiErr.Reason)
		}
		return fmt.Errorf("%w: HTTP %d", ErrInvalidRequest, statusCode)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, statusCode)
	}
	return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, statusCode)
}

// validatePayload checks the body is a JSON object carrying an hourly section
// and returns it compacted.
func validatePayload(body []byte) (json.RawMessage, error) {
	var shape struct {
		Hourly *json.RawMessage `json:"hourly"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrInvalidPayload, err)
	}
	if shape.Hourly == nil {
		return nil, fmt.Errorf("%w: missing hourly section", ErrInvalidPayload)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, fmt.Errorf("%w: compact response: %v", ErrInvalidPayload, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Ping issues a minimal forecast request to check upstream reachability.
func (c *OpenMeteoClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ping failed: %v", ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

// correlationIDKey is the request-context key carrying the correlation id.
type correlationIDKey struct{}

// WithCorrelationID returns a context carrying id for outbound requests.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID returns the id stored by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	return extractCorrelationID(ctx)
}

func extractCorrelationID(ctx context.Context) string {
	if corrID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return corrID
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
