// Package revenuecat provides a subscription status source backed by the
// RevenueCat subscribers API, for purchases made through the mobile app stores.
package revenuecat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mihaimyh/genquota/pkg/billing"
	"github.com/mihaimyh/genquota/pkg/billing/internal"
	"github.com/mihaimyh/genquota/pkg/genquota"
)

const (
	providerName         = "revenuecat"
	revenueCatAPIBaseURL = "https://api.revenuecat.com/v1"
	periodTypeTrial      = "trial"
	maxResponseBytes     = 1 << 20
)

// Config extends billing.Config with RevenueCat-specific options
type Config struct {
	billing.Config

	// BaseURL overrides the RevenueCat API root (default: https://api.revenuecat.com/v1)
	BaseURL string

	// Entitlements maps RevenueCat entitlement IDs to plan names.
	// When empty, every active entitlement counts and its ID is the plan name.
	Entitlements map[string]string
}

// Provider implements billing.Provider for RevenueCat
type Provider struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	entitlements map[string]string
	clock        func() time.Time
	metrics      billing.Metrics
	logger       genquota.Logger
}

// NewProvider creates a new RevenueCat status provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	// Allow API key to be provided as a Bearer token and strip the prefix.
	if strings.HasPrefix(strings.ToLower(apiKey), "bearer ") {
		apiKey = strings.TrimSpace(apiKey[len("bearer "):])
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	base := config.Config.WithDefaults()
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = revenueCatAPIBaseURL
	}

	entitlements := make(map[string]string, len(config.Entitlements))
	for k, v := range config.Entitlements {
		entitlements[strings.ToLower(k)] = v
	}

	return &Provider{
		httpClient:   base.HTTPClient,
		baseURL:      baseURL,
		apiKey:       apiKey,
		entitlements: entitlements,
		clock:        base.Clock,
		metrics:      base.Metrics,
		logger:       base.Logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// subscriberResponse represents the RevenueCat API subscriber response
type subscriberResponse struct {
	Subscriber subscriber `json:"subscriber"`
}

type subscriber struct {
	Entitlements  map[string]entitlement  `json:"entitlements"`
	Subscriptions map[string]subscription `json:"subscriptions"`
}

type entitlement struct {
	ExpiresDate       *string `json:"expires_date"`
	ProductIdentifier string  `json:"product_identifier"`
	PurchaseDate      *string `json:"purchase_date"`
}

type subscription struct {
	PeriodType  string  `json:"period_type"`
	ExpiresDate *string `json:"expires_date"`
}

// FetchStatus implements genquota.StatusSource.
// A user unknown to RevenueCat has no subscription and no trial.
func (p *Provider) FetchStatus(ctx context.Context, userID string) (*genquota.Status, error) {
	start := time.Now()
	st, err := p.fetchStatus(ctx, userID)
	p.metrics.RecordStatusCheckDuration(providerName, time.Since(start))
	if err != nil {
		p.metrics.RecordStatusCheck(providerName, "error")
		return nil, err
	}
	p.metrics.RecordStatusCheck(providerName, "success")
	return st, nil
}

func (p *Provider) fetchStatus(ctx context.Context, userID string) (*genquota.Status, error) {
	endpoint := fmt.Sprintf("%s/subscribers/%s", p.baseURL, url.PathEscape(userID))
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}

	var payload subscriberResponse
	start := time.Now()
	code, err := internal.GetJSON(ctx, p.httpClient, endpoint, headers, maxResponseBytes, &payload)
	p.metrics.RecordAPICall(providerName, "/subscribers/{id}", internal.StatusLabel(code))
	p.metrics.RecordAPICallDuration(providerName, "/subscribers/{id}", time.Since(start))

	var statusErr *internal.StatusError
	switch {
	case err == nil:
	case errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound:
		return &genquota.Status{}, nil
	case errors.As(err, &statusErr) && (statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden):
		return nil, fmt.Errorf("%w: %w", billing.ErrUnauthorized, err)
	default:
		return nil, fmt.Errorf("%w: %w", billing.ErrProviderAPIError, err)
	}

	st := p.statusFromSubscriber(&payload.Subscriber, p.clock())
	p.logger.Debug("revenuecat status checked",
		genquota.Field{Key: "userId", Value: userID},
		genquota.Field{Key: "subscribed", Value: st.Subscribed},
		genquota.Field{Key: "trialActive", Value: st.TrialActive},
	)
	return st, nil
}

// statusFromSubscriber picks the active entitlement with the latest expiry.
// Lifetime entitlements (no expiry) beat everything. An entitlement whose
// product is in its trial period reports a trial instead of a subscription.
func (p *Provider) statusFromSubscriber(sub *subscriber, now time.Time) *genquota.Status {
	ids := make([]string, 0, len(sub.Entitlements))
	for id := range sub.Entitlements {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		bestID      string
		bestExpires *time.Time
		found       bool
	)
	for _, id := range ids {
		if _, ok := p.planFor(id); !ok {
			continue
		}
		ent := sub.Entitlements[id]
		expires := parseOptionalTime(ent.ExpiresDate)
		if expires != nil && !expires.After(now) {
			continue
		}
		if !found || later(expires, bestExpires) {
			bestID, bestExpires, found = id, expires, true
		}
	}

	if !found {
		return &genquota.Status{}
	}

	ent := sub.Entitlements[bestID]
	if product, ok := sub.Subscriptions[ent.ProductIdentifier]; ok && product.PeriodType == periodTypeTrial {
		return &genquota.Status{TrialActive: true, TrialEnd: bestExpires}
	}

	plan, _ := p.planFor(bestID)
	return &genquota.Status{
		Subscribed:       true,
		SubscriptionTier: plan,
		SubscriptionEnd:  bestExpires,
	}
}

func (p *Provider) planFor(entitlementID string) (string, bool) {
	if len(p.entitlements) == 0 {
		return entitlementID, true
	}
	plan, ok := p.entitlements[strings.ToLower(entitlementID)]
	return plan, ok
}

// later reports whether a expires after b; nil means never expires
func later(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.After(*b)
}

func parseOptionalTime(value *string) *time.Time {
	if value == nil {
		return nil
	}
	t, err := parseRevenueCatTime(*value)
	if err != nil {
		return nil
	}
	return &t
}

// parseRevenueCatTime parses a RevenueCat timestamp string
func parseRevenueCatTime(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}

	// Try RFC3339Nano first (RevenueCat often uses this)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}

	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse time: %s", v)
}
