package genquota

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxSessionsPerPeriod is the daily session cap for free users
const DefaultMaxSessionsPerPeriod = 2

// DefaultItemsPerSession returns the per-session item counts applied when none are configured
func DefaultItemsPerSession() map[GenerationType]ItemCounts {
	return map[GenerationType]ItemCounts{
		Flashcards: {Free: 5, Unlimited: 12},
		Quiz:       {Free: 10, Unlimited: 10},
	}
}

// LedgerConfig holds quota ledger configuration
type LedgerConfig struct {
	// MaxSessionsPerPeriod is the number of sessions a free user gets per type per day (default: 2)
	MaxSessionsPerPeriod int

	// ItemsPerSession maps each generation type to its free/unlimited item counts
	// (default: DefaultItemsPerSession)
	ItemsPerSession map[GenerationType]ItemCounts

	// Location selects the calendar day boundaries (default: time.Local)
	Location *time.Location

	// TimeSource supplies the current instant. Defaults to the storage if it
	// implements TimeSource, otherwise the system clock.
	TimeSource TimeSource

	// CircuitBreakerConfig wraps the storage in a circuit breaker when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// Metrics is used for tracking storage operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// Ledger tracks per-user, per-type, per-day generation sessions
type Ledger struct {
	storage     Storage
	maxSessions int
	items       map[GenerationType]ItemCounts
	loc         *time.Location
	clock       TimeSource
	metrics     Metrics
	logger      Logger
}

// NewLedger creates a ledger over storage with the given configuration
func NewLedger(storage Storage, config *LedgerConfig) (*Ledger, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config == nil {
		config = &LedgerConfig{}
	}

	l := &Ledger{
		storage:     storage,
		maxSessions: config.MaxSessionsPerPeriod,
		items:       DefaultItemsPerSession(),
		loc:         config.Location,
		clock:       config.TimeSource,
		metrics:     config.Metrics,
		logger:      config.Logger,
	}

	if l.maxSessions < 0 {
		return nil, fmt.Errorf("max sessions per period must not be negative, got %d", l.maxSessions)
	}
	if l.maxSessions == 0 {
		l.maxSessions = DefaultMaxSessionsPerPeriod
	}
	for t, counts := range config.ItemsPerSession {
		if !t.Valid() {
			return nil, fmt.Errorf("items per session: %w: %q", ErrInvalidGenerationType, t)
		}
		if counts.Free <= 0 || counts.Unlimited <= 0 {
			return nil, fmt.Errorf("items per session for %s must be positive", t)
		}
		l.items[t] = counts
	}
	if l.loc == nil {
		l.loc = time.Local
	}
	if l.clock == nil {
		if ts, ok := storage.(TimeSource); ok {
			l.clock = ts
		} else {
			l.clock = SystemTimeSource{}
		}
	}
	if l.metrics == nil {
		l.metrics = &NoopMetrics{}
	}
	if l.logger == nil {
		l.logger = &NoopLogger{}
	}

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		cb := NewCircuitBreaker(*cbc, func(state CircuitBreakerState) {
			l.metrics.RecordCircuitBreakerStateChange(string(state))
			l.logger.Warn("ledger storage circuit breaker state changed", Field{Key: "state", Value: string(state)})
		})
		l.storage = NewCircuitBreakerStorage(storage, cb)
	}

	return l, nil
}

// MaxSessionsPerPeriod returns the configured daily session cap
func (l *Ledger) MaxSessionsPerPeriod() int {
	return l.maxSessions
}

// Location returns the location that defines calendar days
func (l *Ledger) Location() *time.Location {
	return l.loc
}

// ItemsPerSession returns how many items one session of t produces for ent
func (l *Ledger) ItemsPerSession(t GenerationType, ent *Entitlement) int {
	return l.items[t].For(ent)
}

// Now returns the current instant from the configured time source
func (l *Ledger) Now(ctx context.Context) (time.Time, error) {
	now, err := l.clock.Now(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading time source: %w", err)
	}
	return now, nil
}

// CurrentKey returns the counter key for t on the current local day
func (l *Ledger) CurrentKey(ctx context.Context, t GenerationType) (PeriodKey, error) {
	if !t.Valid() {
		return PeriodKey{}, fmt.Errorf("%w: %q", ErrInvalidGenerationType, t)
	}
	now, err := l.Now(ctx)
	if err != nil {
		return PeriodKey{}, err
	}
	return NewPeriodKey(t, now, l.loc), nil
}

// Used returns the sessions consumed for t today
func (l *Ledger) Used(ctx context.Context, userID string, t GenerationType) (int, error) {
	key, err := l.CurrentKey(ctx, t)
	if err != nil {
		return 0, err
	}
	return l.getCount(ctx, userID, key)
}

// Remaining returns the sessions left for t today, or Unlimited for unlimited entitlements.
// It has no side effects.
func (l *Ledger) Remaining(ctx context.Context, userID string, ent *Entitlement, t GenerationType) (Remaining, error) {
	if ent.Unlimited() {
		if !t.Valid() {
			return 0, fmt.Errorf("%w: %q", ErrInvalidGenerationType, t)
		}
		return Unlimited, nil
	}
	used, err := l.Used(ctx, userID, t)
	if err != nil {
		return 0, err
	}
	return l.RemainingAfter(used), nil
}

// CanConsume reports whether the user may start another session of t today
func (l *Ledger) CanConsume(ctx context.Context, userID string, ent *Entitlement, t GenerationType) (bool, error) {
	rem, err := l.Remaining(ctx, userID, ent, t)
	if err != nil {
		return false, err
	}
	return rem.IsUnlimited() || rem > 0, nil
}

// Consume debits exactly one session of t for today and returns the new used count.
// It is a no-op returning 0 for unlimited entitlements. Consume does not enforce
// the cap; callers gate with CanConsume first.
func (l *Ledger) Consume(ctx context.Context, userID string, ent *Entitlement, t GenerationType) (int, error) {
	if ent.Unlimited() {
		return 0, nil
	}
	key, err := l.CurrentKey(ctx, t)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	used, err := l.storage.Increment(ctx, userID, key)
	l.metrics.RecordStorageOperation("increment", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}

	l.logger.Debug("generation session consumed",
		userField(userID), typeField(t),
		Field{Key: "periodKey", Value: key.String()},
		Field{Key: "used", Value: used})
	return used, nil
}

// Reservation is a session debited at admission time
type Reservation struct {
	UserID string
	Key    PeriodKey
	Used   int

	// Charged is false for unlimited entitlements, which reserve nothing
	Charged bool
}

// Reserve atomically debits one session of t only if the cap has not been reached.
// The returned reservation is released with Release if the generation does not succeed.
// Unlimited entitlements are always admitted without a debit.
func (l *Ledger) Reserve(ctx context.Context, userID string, ent *Entitlement, t GenerationType) (*Reservation, bool, error) {
	key, err := l.CurrentKey(ctx, t)
	if err != nil {
		return nil, false, err
	}
	if ent.Unlimited() {
		return &Reservation{UserID: userID, Key: key}, true, nil
	}

	start := time.Now()
	used, ok, err := l.storage.IncrementIfBelow(ctx, userID, key, l.maxSessions)
	l.metrics.RecordStorageOperation("increment_if_below", time.Since(start), err)
	if err != nil {
		return nil, false, fmt.Errorf("reserving %s: %w", key, err)
	}

	l.logger.Debug("generation session reservation",
		userField(userID), typeField(t),
		Field{Key: "periodKey", Value: key.String()},
		Field{Key: "used", Value: used},
		Field{Key: "reserved", Value: ok})
	return &Reservation{UserID: userID, Key: key, Used: used, Charged: ok}, ok, nil
}

// Release returns a reserved session to the counter it was taken from.
// It is a no-op for reservations that charged nothing.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	if r == nil || !r.Charged {
		return nil
	}
	start := time.Now()
	_, err := l.storage.Decrement(ctx, r.UserID, r.Key)
	l.metrics.RecordStorageOperation("decrement", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", r.Key, err)
	}
	r.Charged = false
	return nil
}

// Snapshot returns the user's position against today's cap for t
func (l *Ledger) Snapshot(ctx context.Context, userID string, ent *Entitlement, t GenerationType) (*LimitsSnapshot, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGenerationType, t)
	}
	now, err := l.Now(ctx)
	if err != nil {
		return nil, err
	}
	key := NewPeriodKey(t, now, l.loc)

	snap := &LimitsSnapshot{
		UserID:          userID,
		Type:            t,
		Tier:            ent.TierName(),
		Unlimited:       ent.Unlimited(),
		MaxSessions:     l.maxSessions,
		ItemsPerSession: l.ItemsPerSession(t, ent),
		PeriodKey:       key,
		ResetsAt:        NextReset(now, l.loc),
	}

	if snap.Unlimited {
		snap.Remaining = Unlimited
		return snap, nil
	}

	used, err := l.getCount(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	snap.Used = used
	snap.Remaining = l.RemainingAfter(used)
	return snap, nil
}

func (l *Ledger) getCount(ctx context.Context, userID string, key PeriodKey) (int, error) {
	start := time.Now()
	used, err := l.storage.GetCount(ctx, userID, key)
	l.metrics.RecordStorageOperation("get", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", key, err)
	}
	return used, nil
}

// RemainingAfter converts a used count into sessions remaining under the cap
func (l *Ledger) RemainingAfter(used int) Remaining {
	if used >= l.maxSessions {
		return 0
	}
	return Remaining(l.maxSessions - used)
}
