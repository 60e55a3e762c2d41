package revenuecat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/genquota/pkg/billing"
)

const (
	testAPIKey = "rc_test_key"
	testUserID = "test-sync-user"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestProvider(t *testing.T, handler http.HandlerFunc, entitlements map[string]string) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewProvider(Config{
		Config: billing.Config{
			APIKey: "Bearer " + testAPIKey,
			Clock:  func() time.Time { return testNow },
		},
		BaseURL:      server.URL,
		Entitlements: entitlements,
	})
	require.NoError(t, err)
	return p
}

func respond(t *testing.T, status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscribers/"+testUserID, r.URL.Path)
		assert.Equal(t, "Bearer "+testAPIKey, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	p, err := NewProvider(Config{Config: billing.Config{APIKey: testAPIKey}})
	require.NoError(t, err)
	assert.Equal(t, "revenuecat", p.Name())
	assert.Equal(t, revenueCatAPIBaseURL, p.baseURL)
}

func TestFetchStatus_ActiveEntitlement(t *testing.T) {
	body := `{"subscriber":{
		"entitlements":{"premium":{"expires_date":"2025-04-14T12:00:00Z","product_identifier":"premium_monthly"}},
		"subscriptions":{"premium_monthly":{"period_type":"normal","expires_date":"2025-04-14T12:00:00Z"}}
	}}`
	p := newTestProvider(t, respond(t, http.StatusOK, body), map[string]string{"Premium": "Premium"})

	st, err := p.FetchStatus(context.Background(), testUserID)
	require.NoError(t, err)
	assert.True(t, st.Subscribed)
	assert.Equal(t, "Premium", st.SubscriptionTier)
	require.NotNil(t, st.SubscriptionEnd)
	assert.Equal(t, time.Date(2025, 4, 14, 12, 0, 0, 0, time.UTC), *st.SubscriptionEnd)
	assert.False(t, st.TrialActive)
}

func TestFetchStatus_TrialPeriod(t *testing.T) {
	body := `{"subscriber":{
		"entitlements":{"premium":{"expires_date":"2025-03-21T12:00:00Z","product_identifier":"premium_monthly"}},
		"subscriptions":{"premium_monthly":{"period_type":"trial","expires_date":"2025-03-21T12:00:00Z"}}
	}}`
	p := newTestProvider(t, respond(t, http.StatusOK, body), nil)

	st, err := p.FetchStatus(context.Background(), testUserID)
	require.NoError(t, err)
	assert.False(t, st.Subscribed)
	assert.True(t, st.TrialActive)
	require.NotNil(t, st.TrialEnd)
}

func TestFetchStatus_ExpiredEntitlement(t *testing.T) {
	body := `{"subscriber":{"entitlements":{"premium":{"expires_date":"2025-03-01T00:00:00Z"}}}}`
	p := newTestProvider(t, respond(t, http.StatusOK, body), nil)

	st, err := p.FetchStatus(context.Background(), testUserID)
	require.NoError(t, err)
	assert.False(t, st.Subscribed)
	assert.False(t, st.TrialActive)
}

func TestFetchStatus_UnmappedEntitlementIgnored(t *testing.T) {
	body := `{"subscriber":{"entitlements":{"legacy":{"expires_date":null}}}}`
	p := newTestProvider(t, respond(t, http.StatusOK, body), map[string]string{"premium": "Premium"})

	st, err := p.FetchStatus(context.Background(), testUserID)
	require.NoError(t, err)
	assert.False(t, st.Subscribed)
}

func TestFetchStatus_LifetimeBeatsExpiring(t *testing.T) {
	body := `{"subscriber":{"entitlements":{
		"monthly":{"expires_date":"2025-04-14T12:00:00Z"},
		"lifetime":{"expires_date":null}
	}}}`
	p := newTestProvider(t, respond(t, http.StatusOK, body), nil)

	st, err := p.FetchStatus(context.Background(), testUserID)
	require.NoError(t, err)
	assert.True(t, st.Subscribed)
	assert.Equal(t, "lifetime", st.SubscriptionTier)
	assert.Nil(t, st.SubscriptionEnd)
}

func TestFetchStatus_UnknownUser(t *testing.T) {
	p := newTestProvider(t, respond(t, http.StatusNotFound, `{"message":"not found"}`), nil)

	st, err := p.FetchStatus(context.Background(), testUserID)
	require.NoError(t, err)
	assert.False(t, st.Subscribed)
	assert.False(t, st.TrialActive)
}

func TestFetchStatus_Errors(t *testing.T) {
	t.Run("unauthorized", func(t *testing.T) {
		p := newTestProvider(t, respond(t, http.StatusUnauthorized, `{}`), nil)
		_, err := p.FetchStatus(context.Background(), testUserID)
		assert.ErrorIs(t, err, billing.ErrUnauthorized)
	})

	t.Run("server error", func(t *testing.T) {
		p := newTestProvider(t, respond(t, http.StatusInternalServerError, `oops`), nil)
		_, err := p.FetchStatus(context.Background(), testUserID)
		assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	})

	t.Run("malformed body", func(t *testing.T) {
		p := newTestProvider(t, respond(t, http.StatusOK, `{not json`), nil)
		_, err := p.FetchStatus(context.Background(), testUserID)
		assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	})
}

func TestParseRevenueCatTime(t *testing.T) {
	got, err := parseRevenueCatTime("2025-03-14T12:00:00.123Z")
	require.NoError(t, err)
	assert.Equal(t, 2025, got.Year())

	_, err = parseRevenueCatTime("")
	assert.Error(t, err)

	_, err = parseRevenueCatTime("yesterday")
	assert.Error(t, err)
}
