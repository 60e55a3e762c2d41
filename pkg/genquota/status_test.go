package genquota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

func TestProject(t *testing.T) {
	now := day(12, 0)
	end := now.Add(72 * time.Hour)

	tests := []struct {
		name      string
		status    *genquota.Status
		tier      genquota.Tier
		unlimited bool
		plan      string
	}{
		{"nil", nil, genquota.TierFree, false, ""},
		{"free", &genquota.Status{}, genquota.TierFree, false, ""},
		{"trial", &genquota.Status{TrialActive: true, TrialEnd: &end}, genquota.TierTrialing, true, ""},
		{"subscribed", &genquota.Status{Subscribed: true, SubscriptionTier: "Pro", SubscriptionEnd: &end},
			genquota.TierSubscribed, true, "Pro"},
		{"subscribed wins over trial", &genquota.Status{Subscribed: true, TrialActive: true, SubscriptionTier: "Basic"},
			genquota.TierSubscribed, true, "Basic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := genquota.Project(testUserID, tt.status, now)
			assert.Equal(t, tt.tier, ent.Tier)
			assert.Equal(t, tt.unlimited, ent.Unlimited())
			assert.Equal(t, !tt.unlimited, ent.ShowAds())
			assert.Equal(t, tt.plan, ent.Plan)
			assert.Equal(t, now, ent.FetchedAt)
		})
	}
}

func TestStatusProvider_CachesPerUser(t *testing.T) {
	source := subscribedSource()
	provider, err := genquota.NewStatusProvider(source, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ent, err := provider.GetStatus(ctx, testUserID)
		require.NoError(t, err)
		assert.Equal(t, genquota.TierSubscribed, ent.Tier)
	}
	assert.Equal(t, 1, source.Calls())

	// Another user is fetched separately.
	ent, err := provider.GetStatus(ctx, "user2")
	require.NoError(t, err)
	assert.Equal(t, "user2", ent.UserID)
	assert.Equal(t, 2, source.Calls())
}

func TestStatusProvider_FailureFallsBackToFree(t *testing.T) {
	source := subscribedSource()
	provider, err := genquota.NewStatusProvider(source, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = provider.GetStatus(ctx, testUserID)
	require.NoError(t, err)

	source.Set(nil, errBoom)
	ent, err := provider.Refresh(ctx, testUserID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, genquota.ErrEntitlementFetchFailed))
	assert.True(t, errors.Is(err, errBoom))
	assert.Equal(t, genquota.TierFree, ent.Tier)
	assert.False(t, ent.Unlimited())
	assert.True(t, ent.Degraded)

	// The stale subscribed entry is gone and the failure was not cached.
	source.Set(&genquota.Status{Subscribed: true, SubscriptionTier: "Pro"}, nil)
	ent, err = provider.GetStatus(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, genquota.TierSubscribed, ent.Tier)
	assert.Equal(t, "Pro", ent.Plan)
	assert.False(t, ent.Degraded)
}

func TestStatusProvider_InvalidateAndRefresh(t *testing.T) {
	source := freeSource()
	provider, err := genquota.NewStatusProvider(source, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ent, err := provider.GetStatus(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, genquota.TierFree, ent.Tier)

	// User upgrades; cached state is served until refreshed.
	source.Set(&genquota.Status{Subscribed: true}, nil)
	ent, _ = provider.GetStatus(ctx, testUserID)
	assert.Equal(t, genquota.TierFree, ent.Tier)

	ent, err = provider.Refresh(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, genquota.TierSubscribed, ent.Tier)

	provider.Invalidate(testUserID)
	_, err = provider.GetStatus(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 3, source.Calls())
}

func TestStatusProvider_TTLExpiry(t *testing.T) {
	source := freeSource()
	provider, err := genquota.NewStatusProvider(source, &genquota.StatusConfig{CacheTTL: 20 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = provider.GetStatus(ctx, testUserID)
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = provider.GetStatus(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, 2, source.Calls())
}

func TestStatusProvider_TrialNotCachedPastEnd(t *testing.T) {
	now := time.Now()
	source := trialSource(now.Add(-time.Second))
	provider, err := genquota.NewStatusProvider(source, &genquota.StatusConfig{CacheTTL: time.Hour})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := provider.GetStatus(ctx, testUserID)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, source.Calls())
}

func TestStatusProvider_CollapsesConcurrentFetches(t *testing.T) {
	source := subscribedSource()
	source.delay = 50 * time.Millisecond
	provider, err := genquota.NewStatusProvider(source, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ent, err := provider.GetStatus(context.Background(), testUserID)
			assert.NoError(t, err)
			assert.Equal(t, genquota.TierSubscribed, ent.Tier)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, source.Calls())
}

func TestStatusProvider_CancelledCallerDoesNotFailOthers(t *testing.T) {
	source := subscribedSource()
	source.delay = 200 * time.Millisecond
	provider, err := genquota.NewStatusProvider(source, nil)
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	type outcome struct {
		ent *genquota.Entitlement
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		ent, err := provider.GetStatus(firstCtx, testUserID)
		first <- outcome{ent, err}
	}()
	require.Eventually(t, func() bool { return source.Calls() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan outcome, 1)
	go func() {
		ent, err := provider.GetStatus(context.Background(), testUserID)
		second <- outcome{ent, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancelFirst()

	got := <-first
	assert.True(t, errors.Is(got.err, genquota.ErrEntitlementFetchFailed))
	assert.True(t, errors.Is(got.err, context.Canceled))
	assert.Equal(t, genquota.TierFree, got.ent.Tier)
	assert.True(t, got.ent.Degraded)

	got = <-second
	require.NoError(t, got.err)
	assert.Equal(t, genquota.TierSubscribed, got.ent.Tier)
	assert.False(t, got.ent.Degraded)

	// The shared fetch finished and was cached.
	ent, err := provider.GetStatus(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, genquota.TierSubscribed, ent.Tier)
	assert.Equal(t, 1, source.Calls())
}

func TestStatusProvider_FetchTimeout(t *testing.T) {
	source := subscribedSource()
	source.delay = time.Second
	provider, err := genquota.NewStatusProvider(source, &genquota.StatusConfig{FetchTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	ent, err := provider.GetStatus(context.Background(), testUserID)
	assert.True(t, errors.Is(err, genquota.ErrEntitlementFetchFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, ent.Degraded)
}

func TestStatusProvider_CircuitBreaker(t *testing.T) {
	source := &stubSource{err: errBoom}
	provider, err := genquota.NewStatusProvider(source, &genquota.StatusConfig{
		CircuitBreakerConfig: &genquota.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, ResetTimeout: time.Hour},
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ent, err := provider.GetStatus(ctx, testUserID)
		assert.True(t, errors.Is(err, genquota.ErrEntitlementFetchFailed))
		assert.Equal(t, genquota.TierFree, ent.Tier)
	}

	// The breaker opened after two failures and stopped calling the source.
	assert.Equal(t, 2, source.Calls())
}

func TestStatusProvider_EmptyUserID(t *testing.T) {
	source := subscribedSource()
	provider, err := genquota.NewStatusProvider(source, nil)
	require.NoError(t, err)

	ent, err := provider.GetStatus(context.Background(), "")
	assert.True(t, errors.Is(err, genquota.ErrInvalidUserID))
	assert.Equal(t, genquota.TierFree, ent.Tier)
	assert.Equal(t, 0, source.Calls())
}

func TestNewStatusProvider_RequiresSource(t *testing.T) {
	_, err := genquota.NewStatusProvider(nil, nil)
	assert.Error(t, err)
}
