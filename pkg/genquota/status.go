package genquota

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// Status is the wire envelope returned by a subscription status source
type Status struct {
	Subscribed       bool       `json:"subscribed"`
	SubscriptionTier string     `json:"subscription_tier,omitempty"`
	SubscriptionEnd  *time.Time `json:"subscription_end,omitempty"`
	TrialActive      bool       `json:"trial_active"`
	TrialEnd         *time.Time `json:"trial_end,omitempty"`
}

// StatusSource fetches a user's subscription status from billing
type StatusSource interface {
	FetchStatus(ctx context.Context, userID string) (*Status, error)
}

// StatusSourceFunc adapts a function to StatusSource
type StatusSourceFunc func(ctx context.Context, userID string) (*Status, error)

func (f StatusSourceFunc) FetchStatus(ctx context.Context, userID string) (*Status, error) {
	return f(ctx, userID)
}

// Project converts a status envelope into an entitlement.
// Subscribed wins over an active trial.
func Project(userID string, st *Status, now time.Time) *Entitlement {
	ent := FreeEntitlement(userID, now)
	if st == nil {
		return ent
	}
	ent.SubscriptionEnd = st.SubscriptionEnd
	ent.TrialEnd = st.TrialEnd
	switch {
	case st.Subscribed:
		ent.Tier = TierSubscribed
		ent.Plan = st.SubscriptionTier
	case st.TrialActive:
		ent.Tier = TierTrialing
	}
	return ent
}

// StatusConfig holds status provider configuration
type StatusConfig struct {
	// CacheTTL bounds how long a fetched entitlement is served without refetching (default: 5 minutes)
	CacheTTL time.Duration

	// MaxCachedStatuses is the LRU capacity (default: 1000)
	MaxCachedStatuses int

	// Cache overrides the default LRU cache. Use NewNoopCache to disable caching.
	Cache StatusCache

	// FetchTimeout bounds a shared source fetch, which runs detached from the
	// caller that started it (default: 10 seconds)
	FetchTimeout time.Duration

	// CircuitBreakerConfig wraps the source in a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time

	// Metrics is used for tracking fetches and cache hits (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// StatusProvider resolves and caches user entitlements.
// On a failed fetch it reports the free tier and never caches the failure.
type StatusProvider struct {
	source  StatusSource
	cache   StatusCache
	ttl     time.Duration
	timeout time.Duration
	cb      CircuitBreaker
	group   singleflight.Group
	now     func() time.Time
	metrics Metrics
	logger  Logger
}

// NewStatusProvider creates a provider over source
func NewStatusProvider(source StatusSource, config *StatusConfig) (*StatusProvider, error) {
	if source == nil {
		return nil, fmt.Errorf("status source is required")
	}
	if config == nil {
		config = &StatusConfig{}
	}

	p := &StatusProvider{
		source:  source,
		cache:   config.Cache,
		ttl:     config.CacheTTL,
		timeout: config.FetchTimeout,
		now:     config.Clock,
		metrics: config.Metrics,
		logger:  config.Logger,
	}
	if p.ttl <= 0 {
		p.ttl = 5 * time.Minute
	}
	if p.timeout <= 0 {
		p.timeout = 10 * time.Second
	}
	if p.cache == nil {
		p.cache = NewLRUCache(config.MaxCachedStatuses)
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.metrics == nil {
		p.metrics = &NoopMetrics{}
	}
	if p.logger == nil {
		p.logger = &NoopLogger{}
	}
	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		p.cb = NewCircuitBreaker(*cbc, func(state CircuitBreakerState) {
			p.metrics.RecordCircuitBreakerStateChange(string(state))
			p.logger.Warn("status source circuit breaker state changed", Field{Key: "state", Value: string(state)})
		})
	}
	return p, nil
}

// GetStatus returns the user's entitlement, from cache when fresh.
// If the source fails or ctx ends first, it returns a degraded free entitlement
// together with an error wrapping ErrEntitlementFetchFailed.
func (p *StatusProvider) GetStatus(ctx context.Context, userID string) (*Entitlement, error) {
	if userID == "" {
		return FreeEntitlement(userID, p.now()), ErrInvalidUserID
	}

	if ent, ok := p.cache.Get(userID); ok {
		p.metrics.RecordCacheHit("status")
		return ent, nil
	}
	p.metrics.RecordCacheMiss("status")

	return p.load(ctx, userID)
}

// Refresh drops any cached entitlement and fetches a fresh one
func (p *StatusProvider) Refresh(ctx context.Context, userID string) (*Entitlement, error) {
	if userID == "" {
		return FreeEntitlement(userID, p.now()), ErrInvalidUserID
	}
	p.Invalidate(userID)
	return p.load(ctx, userID)
}

// Invalidate drops the cached entitlement for a user, e.g. on logout
func (p *StatusProvider) Invalidate(userID string) {
	p.cache.Invalidate(userID)
	p.group.Forget(userID)
}

// CacheStats exposes statistics of the underlying cache
func (p *StatusProvider) CacheStats() CacheStats {
	return p.cache.Stats()
}

// load joins or starts the shared fetch for userID. The fetch is detached from
// ctx so one caller giving up does not fail the others waiting on it.
func (p *StatusProvider) load(ctx context.Context, userID string) (*Entitlement, error) {
	ch := p.group.DoChan(userID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		return p.fetch(fetchCtx, userID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			p.cache.Invalidate(userID)
			p.logger.Warn("subscription status fetch failed, treating user as free",
				userField(userID), errField(res.Err))
			return p.degraded(userID), fmt.Errorf("%w: %w", ErrEntitlementFetchFailed, res.Err)
		}
		// Each caller gets its own copy of the shared result.
		ent := *(res.Val.(*Entitlement))
		return &ent, nil
	case <-ctx.Done():
		return p.degraded(userID), fmt.Errorf("%w: %w", ErrEntitlementFetchFailed, ctx.Err())
	}
}

func (p *StatusProvider) degraded(userID string) *Entitlement {
	ent := FreeEntitlement(userID, p.now())
	ent.Degraded = true
	return ent
}

func (p *StatusProvider) fetch(ctx context.Context, userID string) (*Entitlement, error) {
	var st *Status
	call := func() error {
		var err error
		st, err = p.source.FetchStatus(ctx, userID)
		return err
	}

	start := time.Now()
	var err error
	if p.cb != nil {
		err = p.cb.Execute(ctx, call)
	} else {
		err = call()
	}
	p.metrics.RecordStatusFetch(err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}

	now := p.now()
	ent := Project(userID, st, now)
	p.cache.Set(userID, ent, p.cacheTTL(ent, now))

	p.logger.Debug("subscription status fetched",
		userField(userID),
		Field{Key: "tier", Value: string(ent.Tier)},
		Field{Key: "plan", Value: ent.Plan})
	return ent, nil
}

// cacheTTL shortens the TTL so a trial or subscription is not served past its end
func (p *StatusProvider) cacheTTL(ent *Entitlement, now time.Time) time.Duration {
	ttl := p.ttl
	var end *time.Time
	switch ent.Tier {
	case TierTrialing:
		end = ent.TrialEnd
	case TierSubscribed:
		end = ent.SubscriptionEnd
	}
	if end != nil {
		if d := end.Sub(now); d < ttl {
			ttl = d
		}
	}
	return ttl
}
