package genquota

import (
	"context"
	"time"
)

// Storage defines the interface for daily session counters.
// Counters are addressed by (userID, PeriodKey); an absent counter reads as 0.
// Implementations must be safe for concurrent use.
type Storage interface {
	// GetCount returns the sessions used for the key, 0 if absent
	GetCount(ctx context.Context, userID string, key PeriodKey) (int, error)

	// Increment adds exactly one session and returns the new count.
	// The write is durable when Increment returns.
	Increment(ctx context.Context, userID string, key PeriodKey) (int, error)

	// IncrementIfBelow atomically adds one session only if the current count is below limit.
	// Returns the resulting count and whether the increment happened.
	IncrementIfBelow(ctx context.Context, userID string, key PeriodKey, limit int) (int, bool, error)

	// Decrement removes one session, clamping at 0, and returns the new count
	Decrement(ctx context.Context, userID string, key PeriodKey) (int, error)
}

// TimeSource defines an interface for getting the current time.
// Storage engines may implement it (e.g., Redis TIME) so every server
// agrees on the calendar date that selects the active counter.
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}

// TimeSourceFunc adapts a function to TimeSource
type TimeSourceFunc func(ctx context.Context) (time.Time, error)

func (f TimeSourceFunc) Now(ctx context.Context) (time.Time, error) {
	return f(ctx)
}

// SystemTimeSource reads the local system clock
type SystemTimeSource struct{}

func (SystemTimeSource) Now(_ context.Context) (time.Time, error) {
	return time.Now(), nil
}

// Deck is a saved set of generated items
type Deck struct {
	ID        string
	UserID    string
	Type      GenerationType
	Items     *GeneratedItems
	CreatedAt time.Time
}

// DeckStore persists generated content. It is the keyed storage collaborator
// the gate hands successful results to.
type DeckStore interface {
	// SaveDeck stores a deck under its ID
	SaveDeck(ctx context.Context, deck *Deck) error

	// GetDeck returns a user's deck or ErrDeckNotFound
	GetDeck(ctx context.Context, userID, deckID string) (*Deck, error)

	// ListDecks returns a user's decks, newest first
	ListDecks(ctx context.Context, userID string) ([]*Deck, error)
}
