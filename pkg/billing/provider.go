package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

// DefaultTrialPeriod is the trial granted to a subscriber on first status check
const DefaultTrialPeriod = 7 * 24 * time.Hour

// Provider is a billing backend that can answer subscription status questions.
// Every provider is a genquota.StatusSource.
type Provider interface {
	genquota.StatusSource

	// Name returns the provider name (e.g., "revenuecat", "stripe")
	Name() string
}

// Subscriber is the persisted billing state of one user
type Subscriber struct {
	UserID     string
	Email      string
	CustomerID string

	Subscribed      bool
	Plan            string
	SubscriptionEnd *time.Time

	TrialActive bool
	TrialStart  *time.Time
	TrialEnd    *time.Time

	UpdatedAt time.Time
}

// Status converts the record into the status envelope as of now.
// A trial counts as active only while its end lies in the future.
func (s *Subscriber) Status(now time.Time) *genquota.Status {
	st := &genquota.Status{
		Subscribed:      s.Subscribed,
		SubscriptionEnd: s.SubscriptionEnd,
		TrialEnd:        s.TrialEnd,
	}
	if s.Subscribed {
		st.SubscriptionTier = s.Plan
	}
	st.TrialActive = !s.Subscribed && s.TrialActive && s.TrialEnd != nil && s.TrialEnd.After(now)
	return st
}

// StartTrial marks the subscriber as trialing for period starting at now
func (s *Subscriber) StartTrial(now time.Time, period time.Duration) {
	start := now
	end := now.Add(period)
	s.TrialActive = true
	s.TrialStart = &start
	s.TrialEnd = &end
}

// SubscriberStore persists subscriber records keyed by user ID
type SubscriberStore interface {
	// GetSubscriber returns the record for userID or ErrSubscriberNotFound
	GetSubscriber(ctx context.Context, userID string) (*Subscriber, error)

	// UpsertSubscriber creates or replaces the record for sub.UserID
	UpsertSubscriber(ctx context.Context, sub *Subscriber) error
}
