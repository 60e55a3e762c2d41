package checksub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/genquota/pkg/billing"
)

func staticToken(token string) TokenFunc {
	return func(context.Context, string) (string, error) { return token, nil }
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewProvider(Config{
		Config:   billing.Config{APIKey: "anon-key"},
		Endpoint: server.URL + "/functions/v1/check-subscription",
		Token:    staticToken("user-jwt"),
	})
	require.NoError(t, err)
	return p
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{Token: staticToken("x")})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewProvider(Config{Endpoint: "https://example.com"})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestFetchStatus_Success(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer user-jwt", r.Header.Get("Authorization"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subscribed":false,"subscription_tier":null,"subscription_end":null,` +
			`"trial_active":true,"trial_end":"2025-03-21T12:00:00.000Z"}`))
	})

	st, err := p.FetchStatus(context.Background(), "user1")
	require.NoError(t, err)
	assert.False(t, st.Subscribed)
	assert.True(t, st.TrialActive)
	require.NotNil(t, st.TrialEnd)
	assert.True(t, st.TrialEnd.Equal(time.Date(2025, 3, 21, 12, 0, 0, 0, time.UTC)))
	assert.Nil(t, st.SubscriptionEnd)
}

func TestFetchStatus_ErrorEnvelope(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"STRIPE_SECRET_KEY is not set"}`))
	})

	_, err := p.FetchStatus(context.Background(), "user1")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY is not set")
}

func TestFetchStatus_Unauthorized(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := p.FetchStatus(context.Background(), "user1")
	assert.ErrorIs(t, err, billing.ErrUnauthorized)
}

func TestFetchStatus_TokenFailure(t *testing.T) {
	p, err := NewProvider(Config{
		Endpoint: "http://127.0.0.1:0",
		Token: func(context.Context, string) (string, error) {
			return "", errors.New("session expired")
		},
	})
	require.NoError(t, err)

	_, err = p.FetchStatus(context.Background(), "user1")
	assert.ErrorIs(t, err, billing.ErrUnauthorized)
}
