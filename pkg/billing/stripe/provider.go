// Package stripe provides a subscription status source backed by Stripe.
// A user's first check provisions a trial in the subscriber store; later checks
// look up the Stripe customer by email and report the active subscription, if any.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/genquota/pkg/billing"
	"github.com/mihaimyh/genquota/pkg/genquota"
)

const providerName = "stripe"

// Plan names derived from the subscription price
const (
	PlanBasic   = "Basic"
	PlanPremium = "Premium"
	PlanPro     = "Pro"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// EmailResolver returns the email Stripe customers are keyed by.
	// It is consulted when the subscriber record has no email yet.
	EmailResolver func(ctx context.Context, userID string) (string, error)

	// PlanForAmount maps a price's unit amount (cents) to a plan name.
	// Default: DefaultPlanForAmount
	PlanForAmount func(amount int64) string
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	api           stripeAPI
	subscribers   billing.SubscriberStore
	emailResolver func(context.Context, string) (string, error)
	planForAmount func(int64) string
	trialPeriod   time.Duration
	clock         func() time.Time
	metrics       billing.Metrics
	logger        genquota.Logger
}

// NewProvider creates a new Stripe status provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	return newProvider(config, newClientAPI(apiKey))
}

func newProvider(config Config, api stripeAPI) (*Provider, error) {
	if config.Subscribers == nil {
		return nil, fmt.Errorf("%w: subscriber store is required", billing.ErrProviderNotConfigured)
	}

	base := config.Config.WithDefaults()
	planForAmount := config.PlanForAmount
	if planForAmount == nil {
		planForAmount = DefaultPlanForAmount
	}

	return &Provider{
		api:           api,
		subscribers:   base.Subscribers,
		emailResolver: config.EmailResolver,
		planForAmount: planForAmount,
		trialPeriod:   base.TrialPeriod,
		clock:         base.Clock,
		metrics:       base.Metrics,
		logger:        base.Logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// DefaultPlanForAmount buckets a monthly price: up to 9.99 is Basic,
// up to 29.99 is Premium, anything above is Pro.
func DefaultPlanForAmount(amount int64) string {
	switch {
	case amount <= 999:
		return PlanBasic
	case amount <= 2999:
		return PlanPremium
	default:
		return PlanPro
	}
}

// FetchStatus implements genquota.StatusSource
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
	now := p.clock().UTC()

	sub, err := p.loadOrProvision(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	customer, err := p.findCustomer(ctx, sub)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		// No Stripe customer yet: the trial is all there is
		return sub.Status(now), nil
	}

	active, err := p.api.ActiveSubscription(ctx, customer.ID)
	p.recordAPICall("/v1/subscriptions", err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", billing.ErrProviderAPIError, err)
	}

	previousPlan := sub.Plan
	sub.CustomerID = customer.ID
	sub.Subscribed = active != nil
	sub.Plan = ""
	sub.SubscriptionEnd = nil

	if active != nil {
		plan, end, err := p.describeSubscription(ctx, active)
		if err != nil {
			return nil, err
		}
		sub.Plan = plan
		sub.SubscriptionEnd = end
		sub.TrialActive = false
	} else if sub.TrialEnd != nil {
		sub.TrialActive = sub.TrialEnd.After(now)
	}

	if previousPlan != sub.Plan {
		p.metrics.RecordTierChange(providerName, planLabel(previousPlan), planLabel(sub.Plan))
	}

	sub.UpdatedAt = now
	if err := p.subscribers.UpsertSubscriber(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscriber: %w", err)
	}

	p.logger.Debug("stripe status checked",
		genquota.Field{Key: "userId", Value: userID},
		genquota.Field{Key: "subscribed", Value: sub.Subscribed},
		genquota.Field{Key: "plan", Value: sub.Plan},
	)
	return sub.Status(now), nil
}

// loadOrProvision returns the user's subscriber record, creating one with a
// fresh trial on first check
func (p *Provider) loadOrProvision(ctx context.Context, userID string, now time.Time) (*billing.Subscriber, error) {
	sub, err := p.subscribers.GetSubscriber(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, billing.ErrSubscriberNotFound) {
		return nil, fmt.Errorf("failed to load subscriber: %w", err)
	}

	sub = &billing.Subscriber{UserID: userID, UpdatedAt: now}
	sub.StartTrial(now, p.trialPeriod)
	if p.emailResolver != nil {
		if email, err := p.emailResolver(ctx, userID); err == nil {
			sub.Email = email
		}
	}
	if err := p.subscribers.UpsertSubscriber(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to provision trial: %w", err)
	}

	p.metrics.RecordTrialStarted(providerName)
	p.logger.Info("trial started",
		genquota.Field{Key: "userId", Value: userID},
		genquota.Field{Key: "trialEnd", Value: *sub.TrialEnd},
	)
	return sub, nil
}

// findCustomer resolves the Stripe customer for sub. A stored customer ID
// skips the email lookup.
func (p *Provider) findCustomer(ctx context.Context, sub *billing.Subscriber) (*stripe.Customer, error) {
	if sub.CustomerID != "" {
		return &stripe.Customer{ID: sub.CustomerID}, nil
	}

	email := sub.Email
	if email == "" && p.emailResolver != nil {
		resolved, err := p.emailResolver(ctx, sub.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve email: %w", err)
		}
		email = resolved
		sub.Email = resolved
	}
	if email == "" {
		return nil, nil
	}

	customer, err := p.api.FindCustomerByEmail(ctx, email)
	p.recordAPICall("/v1/customers", err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", billing.ErrProviderAPIError, err)
	}
	return customer, nil
}

// describeSubscription derives the plan name and current period end
func (p *Provider) describeSubscription(ctx context.Context,
	sub *stripe.Subscription) (string, *time.Time, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return p.planForAmount(0), nil, nil
	}

	item := sub.Items.Data[0]
	amount := item.Price.UnitAmount
	if amount == 0 && item.Price.ID != "" {
		var err error
		amount, err = p.api.PriceAmount(ctx, item.Price.ID)
		p.recordAPICall("/v1/prices", err)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", billing.ErrProviderAPIError, err)
		}
	}

	var end *time.Time
	if item.CurrentPeriodEnd > 0 {
		t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
		end = &t
	}
	return p.planForAmount(amount), end, nil
}

func (p *Provider) recordAPICall(endpoint string, err error) {
	status := "200"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
}

func planLabel(plan string) string {
	if plan == "" {
		return "none"
	}
	return plan
}
