// Package memory provides an in-memory implementation of genquota.Storage,
// genquota.DeckStore and billing.SubscriberStore.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mihaimyh/genquota/pkg/billing"
	"github.com/mihaimyh/genquota/pkg/genquota"
)

// Storage keeps counters, decks and subscribers in maps guarded by one mutex
type Storage struct {
	mu          sync.RWMutex
	counters    map[string]int
	decks       map[string]*genquota.Deck
	subscribers map[string]*billing.Subscriber
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		counters:    make(map[string]int),
		decks:       make(map[string]*genquota.Deck),
		subscribers: make(map[string]*billing.Subscriber),
	}
}

func counterKey(userID string, key genquota.PeriodKey) string {
	return userID + ":" + key.String()
}

// GetCount implements genquota.Storage
func (s *Storage) GetCount(_ context.Context, userID string, key genquota.PeriodKey) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[counterKey(userID, key)], nil
}

// Increment implements genquota.Storage
func (s *Storage) Increment(_ context.Context, userID string, key genquota.PeriodKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey(userID, key)
	s.counters[k]++
	return s.counters[k], nil
}

// IncrementIfBelow implements genquota.Storage
func (s *Storage) IncrementIfBelow(_ context.Context, userID string, key genquota.PeriodKey,
	limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey(userID, key)
	if s.counters[k] >= limit {
		return s.counters[k], false, nil
	}
	s.counters[k]++
	return s.counters[k], true, nil
}

// Decrement implements genquota.Storage
func (s *Storage) Decrement(_ context.Context, userID string, key genquota.PeriodKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey(userID, key)
	if s.counters[k] > 0 {
		s.counters[k]--
	}
	return s.counters[k], nil
}

// SaveDeck implements genquota.DeckStore
func (s *Storage) SaveDeck(_ context.Context, deck *genquota.Deck) error {
	if deck == nil || deck.ID == "" || deck.UserID == "" {
		return fmt.Errorf("invalid deck")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.decks[deck.ID] = copyDeck(deck)
	return nil
}

// GetDeck implements genquota.DeckStore
func (s *Storage) GetDeck(_ context.Context, userID, deckID string) (*genquota.Deck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deck, ok := s.decks[deckID]
	if !ok || deck.UserID != userID {
		return nil, genquota.ErrDeckNotFound
	}
	return copyDeck(deck), nil
}

// ListDecks implements genquota.DeckStore
func (s *Storage) ListDecks(_ context.Context, userID string) ([]*genquota.Deck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*genquota.Deck
	for _, deck := range s.decks {
		if deck.UserID == userID {
			out = append(out, copyDeck(deck))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// copyDeck copies d including its items, so callers never share state with the store
func copyDeck(d *genquota.Deck) *genquota.Deck {
	c := *d
	c.Items = d.Items.Clone()
	return &c
}

// GetSubscriber implements billing.SubscriberStore
func (s *Storage) GetSubscriber(_ context.Context, userID string) (*billing.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscribers[userID]
	if !ok {
		return nil, billing.ErrSubscriberNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// UpsertSubscriber implements billing.SubscriberStore
func (s *Storage) UpsertSubscriber(_ context.Context, sub *billing.Subscriber) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscriber")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	s.subscribers[sub.UserID] = &subCopy
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters = make(map[string]int)
	s.decks = make(map[string]*genquota.Deck)
	s.subscribers = make(map[string]*billing.Subscriber)
}
