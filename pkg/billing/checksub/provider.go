// Package checksub fetches subscription status from a remote check-subscription
// endpoint that answers with the status envelope as JSON.
package checksub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/genquota/pkg/billing"
	"github.com/mihaimyh/genquota/pkg/billing/internal"
	"github.com/mihaimyh/genquota/pkg/genquota"
)

const (
	providerName     = "checksub"
	maxResponseBytes = 64 << 10
)

// TokenFunc returns the bearer token identifying userID to the endpoint
type TokenFunc func(ctx context.Context, userID string) (string, error)

// Config extends billing.Config with endpoint options.
// APIKey, when set, is sent as the "apikey" header.
type Config struct {
	billing.Config

	// Endpoint is the check-subscription URL (required)
	Endpoint string

	// Token supplies the user's bearer token (required)
	Token TokenFunc
}

// Provider implements billing.Provider against a check-subscription endpoint
type Provider struct {
	endpoint   string
	apiKey     string
	token      TokenFunc
	httpClient *http.Client
	metrics    billing.Metrics
}

// NewProvider creates a new check-subscription provider
func NewProvider(config Config) (*Provider, error) {
	endpoint := strings.TrimSpace(config.Endpoint)
	if endpoint == "" || config.Token == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	base := config.Config.WithDefaults()
	return &Provider{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(config.APIKey),
		token:      config.Token,
		httpClient: base.HTTPClient,
		metrics:    base.Metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

type errorResponse struct {
	Error string `json:"error"`
}

// FetchStatus implements genquota.StatusSource
func (p *Provider) FetchStatus(ctx context.Context, userID string) (*genquota.Status, error) {
	start := time.Now()
	st, err := p.fetch(ctx, userID)
	p.metrics.RecordStatusCheckDuration(providerName, time.Since(start))
	if err != nil {
		p.metrics.RecordStatusCheck(providerName, "error")
		return nil, err
	}
	p.metrics.RecordStatusCheck(providerName, "success")
	return st, nil
}

func (p *Provider) fetch(ctx context.Context, userID string) (*genquota.Status, error) {
	token, err := p.token(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", billing.ErrUnauthorized, err)
	}

	headers := map[string]string{"Authorization": "Bearer " + token}
	if p.apiKey != "" {
		headers["apikey"] = p.apiKey
	}

	var st genquota.Status
	start := time.Now()
	code, err := internal.PostJSON(ctx, p.httpClient, p.endpoint, headers, struct{}{}, maxResponseBytes, &st)
	p.metrics.RecordAPICall(providerName, "/check-subscription", internal.StatusLabel(code))
	p.metrics.RecordAPICallDuration(providerName, "/check-subscription", time.Since(start))
	if err != nil {
		var statusErr *internal.StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %w", billing.ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("%w: %s", billing.ErrProviderAPIError, describe(err))
	}
	return &st, nil
}

// describe extracts the endpoint's {"error": "..."} message when present
func describe(err error) string {
	var statusErr *internal.StatusError
	if errors.As(err, &statusErr) {
		var body errorResponse
		if jsonErr := json.Unmarshal([]byte(statusErr.Body), &body); jsonErr == nil && body.Error != "" {
			return fmt.Sprintf("status %d: %s", statusErr.Code, body.Error)
		}
	}
	return err.Error()
}
