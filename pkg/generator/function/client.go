// Package function calls a remote generate-content endpoint that speaks the
// generation envelope, guarded by a circuit breaker.
package function

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

const maxResponseBytes = 4 << 20

// Config contains configuration for the function client
type Config struct {
	// Endpoint is the generate-content URL (required)
	Endpoint string

	// Headers are added to every request (e.g. Authorization, apikey)
	Headers map[string]string

	// HTTPClient defaults to a client with a 60 second timeout
	HTTPClient *http.Client

	// FailureThreshold is the number of consecutive failures that open the breaker (default: 5)
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before probing (default: 30 seconds)
	OpenTimeout time.Duration

	Logger genquota.Logger
}

// Client implements genquota.Generator over HTTP
type Client struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[*genquota.GenerateResponse]
	logger   genquota.Logger
}

// upstreamError carries a well-formed failure envelope through the breaker so it
// counts as a failure while the caller still sees the upstream message
type upstreamError struct {
	status int
	resp   *genquota.GenerateResponse
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("generator returned status %d: %s", e.status, e.resp.Error)
}

// New creates a new function client
func New(config Config) (*Client, error) {
	endpoint := strings.TrimSpace(config.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("generator endpoint is required")
	}

	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &genquota.NoopLogger{}
	}

	c := &Client{
		endpoint: endpoint,
		headers:  config.Headers,
		client:   config.HTTPClient,
		logger:   config.Logger,
	}

	threshold := config.FailureThreshold
	c.breaker = gobreaker.NewCircuitBreaker[*genquota.GenerateResponse](gobreaker.Settings{
		Name:        "generator",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Callers giving up is not a generator failure
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("generator circuit breaker state changed",
				genquota.Field{Key: "breaker", Value: name},
				genquota.Field{Key: "from", Value: from.String()},
				genquota.Field{Key: "to", Value: to.String()},
			)
		},
	})

	return c, nil
}

// State returns the breaker state
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Generate implements genquota.Generator
func (c *Client) Generate(ctx context.Context, req *genquota.GenerateRequest) (*genquota.GenerateResponse, error) {
	resp, err := c.breaker.Execute(func() (*genquota.GenerateResponse, error) {
		return c.do(ctx, req)
	})

	var upstream *upstreamError
	if errors.As(err, &upstream) {
		return upstream.resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, req *genquota.GenerateRequest) (*genquota.GenerateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var resp genquota.GenerateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unexpected response (status %d): %w", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode >= http.StatusInternalServerError {
		if resp.Success {
			resp.Success = false
		}
		if resp.Error == "" {
			resp.Error = http.StatusText(httpResp.StatusCode)
		}
		return nil, &upstreamError{status: httpResp.StatusCode, resp: &resp}
	}
	if httpResp.StatusCode >= http.StatusBadRequest && resp.Error == "" {
		resp.Success = false
		resp.Error = http.StatusText(httpResp.StatusCode)
	}
	return &resp, nil
}
