// Package firestore provides a Firestore implementation of the genquota.Storage interface.
// Counter updates run inside Firestore transactions so concurrent servers never lose a session.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/genquota/pkg/billing"
	"github.com/mihaimyh/genquota/pkg/genquota"
)

// Storage implements genquota.Storage, genquota.DeckStore and billing.SubscriberStore
// using Google Cloud Firestore
type Storage struct {
	client                *firestore.Client
	usageCollection       string
	subscribersCollection string
	decksCollection       string
	clockCollection       string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsageCollection is the Firestore collection for daily counters
	// Default: "ai_generation_usage"
	UsageCollection string

	// SubscribersCollection is the Firestore collection for billing state
	// Default: "subscribers"
	SubscribersCollection string

	// DecksCollection is the Firestore collection for saved decks
	// Default: "decks"
	DecksCollection string

	// ClockCollection holds the document written to read server time
	// Default: "genquota_clock"
	ClockCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsageCollection == "" {
		config.UsageCollection = "ai_generation_usage"
	}
	if config.SubscribersCollection == "" {
		config.SubscribersCollection = "subscribers"
	}
	if config.DecksCollection == "" {
		config.DecksCollection = "decks"
	}
	if config.ClockCollection == "" {
		config.ClockCollection = "genquota_clock"
	}

	return &Storage{
		client:                client,
		usageCollection:       config.UsageCollection,
		subscribersCollection: config.SubscribersCollection,
		decksCollection:       config.DecksCollection,
		clockCollection:       config.ClockCollection,
	}, nil
}

// GetCount implements genquota.Storage
func (s *Storage) GetCount(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	snap, err := s.usageDoc(userID, key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	if !snap.Exists() {
		return 0, nil
	}
	return getInt(snap.Data(), "used"), nil
}

// Increment implements genquota.Storage
func (s *Storage) Increment(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	used, _, err := s.update(ctx, userID, key, func(current int) (int, bool) {
		return current + 1, true
	})
	return used, err
}

// IncrementIfBelow implements genquota.Storage
func (s *Storage) IncrementIfBelow(ctx context.Context, userID string, key genquota.PeriodKey,
	limit int) (int, bool, error) {
	return s.update(ctx, userID, key, func(current int) (int, bool) {
		if current >= limit {
			return current, false
		}
		return current + 1, true
	})
}

// Decrement implements genquota.Storage
func (s *Storage) Decrement(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	used, _, err := s.update(ctx, userID, key, func(current int) (int, bool) {
		if current <= 0 {
			return 0, false
		}
		return current - 1, true
	})
	return used, err
}

// update runs fn against the current counter inside a transaction and writes
// the result when fn reports a change
func (s *Storage) update(ctx context.Context, userID string, key genquota.PeriodKey,
	fn func(current int) (int, bool)) (int, bool, error) {
	doc := s.usageDoc(userID, key)
	var (
		newUsed int
		changed bool
	)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		current := 0
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			current = getInt(snap.Data(), "used")
		}

		newUsed, changed = fn(current)
		if !changed {
			return nil
		}

		return tx.Set(doc, map[string]interface{}{
			"used":      newUsed,
			"type":      string(key.Type),
			"date":      key.Date,
			"updatedAt": firestore.ServerTimestamp,
		}, firestore.MergeAll)
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to update counter: %w", err)
	}
	return newUsed, changed, nil
}

// Now implements genquota.TimeSource by writing a server timestamp and
// reading back the commit time
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	wr, err := s.client.Collection(s.clockCollection).Doc("now").Set(ctx, map[string]interface{}{
		"at": firestore.ServerTimestamp,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read server time: %w", err)
	}
	return wr.UpdateTime.UTC(), nil
}

// SaveDeck implements genquota.DeckStore
func (s *Storage) SaveDeck(ctx context.Context, deck *genquota.Deck) error {
	if deck == nil || deck.ID == "" || deck.UserID == "" {
		return fmt.Errorf("invalid deck")
	}

	_, err := s.client.Collection(s.decksCollection).Doc(deck.ID).Set(ctx, deckDoc{
		UserID:    deck.UserID,
		Type:      string(deck.Type),
		Items:     deck.Items,
		CreatedAt: deck.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save deck: %w", err)
	}
	return nil
}

// GetDeck implements genquota.DeckStore
func (s *Storage) GetDeck(ctx context.Context, userID, deckID string) (*genquota.Deck, error) {
	snap, err := s.client.Collection(s.decksCollection).Doc(deckID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, genquota.ErrDeckNotFound
		}
		return nil, fmt.Errorf("failed to get deck: %w", err)
	}

	deck, err := decodeDeck(snap)
	if err != nil {
		return nil, err
	}
	if deck.UserID != userID {
		return nil, genquota.ErrDeckNotFound
	}
	return deck, nil
}

// ListDecks implements genquota.DeckStore
func (s *Storage) ListDecks(ctx context.Context, userID string) ([]*genquota.Deck, error) {
	iter := s.client.Collection(s.decksCollection).
		Where("userId", "==", userID).
		OrderBy("createdAt", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	var decks []*genquota.Deck
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list decks: %w", err)
		}
		deck, err := decodeDeck(snap)
		if err != nil {
			return nil, err
		}
		decks = append(decks, deck)
	}
	return decks, nil
}

// GetSubscriber implements billing.SubscriberStore
func (s *Storage) GetSubscriber(ctx context.Context, userID string) (*billing.Subscriber, error) {
	snap, err := s.client.Collection(s.subscribersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrSubscriberNotFound
	}

	data := snap.Data()
	return &billing.Subscriber{
		UserID:          userID,
		Email:           getString(data, "email"),
		CustomerID:      getString(data, "customerId"),
		Subscribed:      getBool(data, "subscribed"),
		Plan:            getString(data, "plan"),
		SubscriptionEnd: getTimePtr(data, "subscriptionEnd"),
		TrialActive:     getBool(data, "trialActive"),
		TrialStart:      getTimePtr(data, "trialStart"),
		TrialEnd:        getTimePtr(data, "trialEnd"),
		UpdatedAt:       getTime(data, "updatedAt"),
	}, nil
}

// UpsertSubscriber implements billing.SubscriberStore
func (s *Storage) UpsertSubscriber(ctx context.Context, sub *billing.Subscriber) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscriber")
	}

	data := map[string]interface{}{
		"email":       sub.Email,
		"customerId":  sub.CustomerID,
		"subscribed":  sub.Subscribed,
		"plan":        sub.Plan,
		"trialActive": sub.TrialActive,
		"updatedAt":   sub.UpdatedAt,
	}
	setTimePtr(data, "subscriptionEnd", sub.SubscriptionEnd)
	setTimePtr(data, "trialStart", sub.TrialStart)
	setTimePtr(data, "trialEnd", sub.TrialEnd)

	if _, err := s.client.Collection(s.subscribersCollection).Doc(sub.UserID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to upsert subscriber: %w", err)
	}
	return nil
}

// usageDoc returns the Firestore document reference for a daily counter
func (s *Storage) usageDoc(userID string, key genquota.PeriodKey) *firestore.DocumentRef {
	// Structure: ai_generation_usage/{userID}/periods/aiGenUsed_{type}_{date}
	return s.client.Collection(s.usageCollection).
		Doc(userID).
		Collection("periods").
		Doc(key.String())
}

type deckDoc struct {
	UserID    string                   `firestore:"userId"`
	Type      string                   `firestore:"type"`
	Items     *genquota.GeneratedItems `firestore:"items"`
	CreatedAt time.Time                `firestore:"createdAt"`
}

func decodeDeck(snap *firestore.DocumentSnapshot) (*genquota.Deck, error) {
	var doc deckDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode deck: %w", err)
	}
	return &genquota.Deck{
		ID:        snap.Ref.ID,
		UserID:    doc.UserID,
		Type:      genquota.GenerationType(doc.Type),
		Items:     doc.Items,
		CreatedAt: doc.CreatedAt,
	}, nil
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	if v, ok := data[key].(time.Time); ok && !v.IsZero() {
		return &v
	}
	return nil
}

func setTimePtr(data map[string]interface{}, key string, t *time.Time) {
	if t != nil {
		data[key] = *t
	}
}
