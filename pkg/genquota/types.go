package genquota

import (
	"fmt"
	"strings"
	"time"
)

// GenerationType identifies the kind of study material produced by one generation session
type GenerationType string

const (
	// Flashcards produces front/back study cards
	Flashcards GenerationType = "flashcards"
	// Quiz produces four-option multiple choice questions
	Quiz GenerationType = "quiz"
)

// GenerationTypes lists every supported generation type in display order
var GenerationTypes = []GenerationType{Flashcards, Quiz}

// Valid reports whether t is a supported generation type
func (t GenerationType) Valid() bool {
	return t == Flashcards || t == Quiz
}

// ParseGenerationType converts a wire value into a GenerationType
func ParseGenerationType(s string) (GenerationType, error) {
	t := GenerationType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidGenerationType, s)
	}
	return t, nil
}

// Tier is the entitlement tier derived from the subscription status source
type Tier string

const (
	TierFree       Tier = "free"
	TierTrialing   Tier = "trialing"
	TierSubscribed Tier = "subscribed"
)

// Entitlement is the per-user answer to "what tier is this user in right now".
// It is derived from the status source and never persisted by the ledger.
type Entitlement struct {
	UserID string
	Tier   Tier

	// Plan is the provider plan name (e.g. "Basic", "Premium", "Pro"), empty for free users
	Plan string

	SubscriptionEnd *time.Time
	TrialEnd        *time.Time
	FetchedAt       time.Time

	// Degraded marks a free entitlement substituted for one that could not be fetched
	Degraded bool
}

// Unlimited reports whether the user bypasses the daily session limit.
// A nil entitlement is treated as free.
func (e *Entitlement) Unlimited() bool {
	if e == nil {
		return false
	}
	return e.Tier == TierSubscribed || e.Tier == TierTrialing
}

// ShowAds reports whether ads are shown to the user
func (e *Entitlement) ShowAds() bool {
	return !e.Unlimited()
}

// TierName returns the tier, defaulting to free for a nil entitlement
func (e *Entitlement) TierName() Tier {
	if e == nil || e.Tier == "" {
		return TierFree
	}
	return e.Tier
}

// FreeEntitlement returns the conservative entitlement used when status is unknown
func FreeEntitlement(userID string, now time.Time) *Entitlement {
	return &Entitlement{
		UserID:    userID,
		Tier:      TierFree,
		FetchedAt: now,
	}
}

// Remaining is the number of generation sessions left in the current period.
// The Unlimited sentinel (-1) means the user is not subject to the cap.
type Remaining int

// Unlimited marks an uncapped remaining count
const Unlimited Remaining = -1

// IsUnlimited reports whether r is the Unlimited sentinel
func (r Remaining) IsUnlimited() bool {
	return r < 0
}

// ItemCounts holds the number of items requested per session for each side of the tier split
type ItemCounts struct {
	Free      int
	Unlimited int
}

// For returns the item count for the given entitlement
func (c ItemCounts) For(ent *Entitlement) int {
	if ent.Unlimited() {
		return c.Unlimited
	}
	return c.Free
}

// LimitsSnapshot describes a user's position against the daily cap for one generation type
type LimitsSnapshot struct {
	UserID          string
	Type            GenerationType
	Tier            Tier
	Unlimited       bool
	Used            int
	Remaining       Remaining
	MaxSessions     int
	ItemsPerSession int
	PeriodKey       PeriodKey
	ResetsAt        time.Time
}

// UsageReport is the display view of a user's entitlement and both daily counters
type UsageReport struct {
	Entitlement *Entitlement
	Limits      map[GenerationType]*LimitsSnapshot
}

// Flashcard is a single generated study card
type Flashcard struct {
	Front      string `json:"front"`
	Back       string `json:"back"`
	Difficulty string `json:"difficulty,omitempty"`
}

// QuizQuestion is a single generated multiple choice question
type QuizQuestion struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer int      `json:"correctAnswer"`
	Explanation   string   `json:"explanation,omitempty"`
}

// QuizOptionCount is the number of options every quiz question carries
const QuizOptionCount = 4

// GeneratedItems holds the decoded output of one generation session.
// Only the slice matching Type is populated.
type GeneratedItems struct {
	Type       GenerationType `json:"type"`
	Flashcards []Flashcard    `json:"flashcards,omitempty"`
	Questions  []QuizQuestion `json:"questions,omitempty"`
}

// Len returns the number of usable items
func (g *GeneratedItems) Len() int {
	if g == nil {
		return 0
	}
	switch g.Type {
	case Flashcards:
		return len(g.Flashcards)
	case Quiz:
		return len(g.Questions)
	default:
		return 0
	}
}

// Clone returns a deep copy of g
func (g *GeneratedItems) Clone() *GeneratedItems {
	if g == nil {
		return nil
	}
	out := &GeneratedItems{Type: g.Type}
	if g.Flashcards != nil {
		out.Flashcards = append([]Flashcard(nil), g.Flashcards...)
	}
	if g.Questions != nil {
		out.Questions = make([]QuizQuestion, len(g.Questions))
		for i, q := range g.Questions {
			q.Options = append([]string(nil), q.Options...)
			out.Questions[i] = q
		}
	}
	return out
}

// GenerationResult is returned by Gate.RequestGeneration on success
type GenerationResult struct {
	Items *GeneratedItems

	// DeckID is set when a DeckStore is configured and the items were saved
	DeckID string

	// Remaining is the session count left after this generation was charged
	Remaining Remaining

	Entitlement *Entitlement
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

func (c *CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	out := *c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.ResetTimeout <= 0 {
		out.ResetTimeout = 30 * time.Second
	}
	return out
}
