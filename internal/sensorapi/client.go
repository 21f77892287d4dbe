package sensorapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"forestwatch-server/internal/modules/monitoring/types"
)

// ErrBreakerOpen is returned while the breaker rejects calls to the API.
var ErrBreakerOpen = errors.New("sensor api breaker open")

// maxBodyBytes caps how much of a sensor-data response is read.
const maxBodyBytes = 4 << 20

// StatusError reports a non-2xx response from the API.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sensor api status %d", e.StatusCode)
}

type Options struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures int
	BreakerOpenFor  time.Duration
	// OnStateChange is called on breaker transitions, e.g. to export metrics.
	OnStateChange func(from, to gobreaker.State)
	Logger        *slog.Logger
}

// Client fetches sensor readings from the upstream API.
type Client struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	failures := opts.BreakerFailures
	if failures < 1 {
		failures = 1
	}

	c := &Client{
		url:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/") + "/sensor-data",
		http:   &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sensor-api",
		Timeout: opts.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		// 4xx responses and cancelled requests do not count against the API.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if opts.OnStateChange != nil {
				opts.OnStateChange(from, to)
			}
		},
	})
	return c
}

// FetchReadings issues GET {base}/sensor-data with the bearer token and
// returns the first limit readings in response order.
func (c *Client) FetchReadings(ctx context.Context, token string, limit int) ([]types.Reading, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx, token, limit)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}
		return nil, err
	}
	return res.([]types.Reading), nil
}

func (c *Client) fetch(ctx context.Context, token string, limit int) ([]types.Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build sensor-data request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sensor-data request: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("sensor-data response",
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read sensor-data body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("sensor-data body exceeds %d bytes", maxBodyBytes)
	}

	readings, err := types.ParseReadingList(body, limit)
	if err != nil {
		return nil, fmt.Errorf("decode sensor-data: %w", err)
	}
	return readings, nil
}

// State reports the breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}
