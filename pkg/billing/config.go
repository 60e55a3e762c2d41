package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Subscribers persists trial and subscription state.
	// Providers that provision trials require it.
	Subscribers SubscriberStore

	// TrialPeriod is the trial granted on first check (default: 7 days)
	TrialPeriod time.Duration

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is used for structured logging (default: genquota.NoopLogger)
	Logger genquota.Logger
}

// WithDefaults returns a copy of c with unset fields defaulted
func (c Config) WithDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.TrialPeriod <= 0 {
		c.TrialPeriod = DefaultTrialPeriod
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &genquota.NoopLogger{}
	}
	return c
}
