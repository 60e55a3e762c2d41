package genquota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the configuration used by New to assemble a Gate
type Config struct {
	// MaxSessionsPerPeriod is the daily session cap for free users (default: 2)
	MaxSessionsPerPeriod int

	// ItemsPerSession overrides the per-type item counts (default: DefaultItemsPerSession)
	ItemsPerSession map[GenerationType]ItemCounts

	// Location selects the calendar day boundaries (default: time.Local)
	Location *time.Location

	// TimeSource supplies the current instant (default: storage TimeSource or system clock)
	TimeSource TimeSource

	// StatusCacheTTL is how long an entitlement is cached per user (default: 5 minutes)
	StatusCacheTTL time.Duration

	// MaxCachedStatuses is the status cache capacity (default: 1000)
	MaxCachedStatuses int

	// StatusFetchTimeout bounds one subscription status fetch (default: 10 seconds)
	StatusFetchTimeout time.Duration

	// CircuitBreakerConfig protects both storage and the status source when enabled
	CircuitBreakerConfig *CircuitBreakerConfig

	// GenerateTimeout bounds a single generator call (default: none)
	GenerateTimeout time.Duration

	// ReserveOnAdmit debits the session atomically at admission and releases it
	// if generation fails, closing the check-then-consume race.
	ReserveOnAdmit bool

	// Decks receives every successful result when set
	Decks DeckStore

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// New assembles a Ledger, StatusProvider, Invoker and Gate from a single Config
func New(storage Storage, source StatusSource, generator Generator, config *Config) (*Gate, error) {
	if config == nil {
		config = &Config{}
	}

	ledger, err := NewLedger(storage, &LedgerConfig{
		MaxSessionsPerPeriod: config.MaxSessionsPerPeriod,
		ItemsPerSession:      config.ItemsPerSession,
		Location:             config.Location,
		TimeSource:           config.TimeSource,
		CircuitBreakerConfig: config.CircuitBreakerConfig,
		Metrics:              config.Metrics,
		Logger:               config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ledger: %w", err)
	}

	status, err := NewStatusProvider(source, &StatusConfig{
		CacheTTL:             config.StatusCacheTTL,
		MaxCachedStatuses:    config.MaxCachedStatuses,
		FetchTimeout:         config.StatusFetchTimeout,
		CircuitBreakerConfig: config.CircuitBreakerConfig,
		Metrics:              config.Metrics,
		Logger:               config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating status provider: %w", err)
	}

	invoker, err := NewInvoker(generator, &InvokerConfig{
		Timeout: config.GenerateTimeout,
		Metrics: config.Metrics,
		Logger:  config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating invoker: %w", err)
	}

	return NewGate(ledger, status, invoker, &GateConfig{
		ReserveOnAdmit: config.ReserveOnAdmit,
		Decks:          config.Decks,
		Metrics:        config.Metrics,
		Logger:         config.Logger,
	})
}

// GateConfig holds gate configuration
type GateConfig struct {
	// ReserveOnAdmit switches admission to an atomic reservation (see Config.ReserveOnAdmit)
	ReserveOnAdmit bool

	// Decks receives every successful result when set
	Decks DeckStore

	// ChargeTimeout bounds the post-generation ledger write, which ignores
	// caller cancellation (default: 5 seconds)
	ChargeTimeout time.Duration

	// Metrics is used for tracking admissions and consumption (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// Gate admits generation requests against the daily cap and charges
// a session only after the generator returns at least one item.
type Gate struct {
	ledger        *Ledger
	status        *StatusProvider
	invoker       *Invoker
	decks         DeckStore
	reserve       bool
	chargeTimeout time.Duration
	newID         func() string
	metrics       Metrics
	logger        Logger
}

// NewGate creates a gate from its collaborators
func NewGate(ledger *Ledger, status *StatusProvider, invoker *Invoker, config *GateConfig) (*Gate, error) {
	if ledger == nil || status == nil || invoker == nil {
		return nil, errors.New("ledger, status provider and invoker are required")
	}
	if config == nil {
		config = &GateConfig{}
	}

	g := &Gate{
		ledger:        ledger,
		status:        status,
		invoker:       invoker,
		decks:         config.Decks,
		reserve:       config.ReserveOnAdmit,
		chargeTimeout: config.ChargeTimeout,
		newID:         uuid.NewString,
		metrics:       config.Metrics,
		logger:        config.Logger,
	}
	if g.chargeTimeout <= 0 {
		g.chargeTimeout = 5 * time.Second
	}
	if g.metrics == nil {
		g.metrics = &NoopMetrics{}
	}
	if g.logger == nil {
		g.logger = &NoopLogger{}
	}
	return g, nil
}

// Ledger returns the gate's ledger
func (g *Gate) Ledger() *Ledger {
	return g.ledger
}

// Status returns the gate's status provider
func (g *Gate) Status() *StatusProvider {
	return g.status
}

// Entitlement resolves the user's entitlement. A failed status fetch is logged
// and the free entitlement is returned.
func (g *Gate) Entitlement(ctx context.Context, userID string) *Entitlement {
	ent, err := g.status.GetStatus(ctx, userID)
	if err != nil && !errors.Is(err, ErrInvalidUserID) {
		g.logger.Warn("proceeding with free entitlement", userField(userID), errField(err))
	}
	return ent
}

// ItemsPerSession returns how many items one session of t produces for ent
func (g *Gate) ItemsPerSession(t GenerationType, ent *Entitlement) int {
	return g.ledger.ItemsPerSession(t, ent)
}

// CheckAdmission reports whether a session of t would be admitted now without
// charging anything. A rejection returns the snapshot together with *QuotaExceededError.
func (g *Gate) CheckAdmission(ctx context.Context, userID string, t GenerationType) (*LimitsSnapshot, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	ent := g.Entitlement(ctx, userID)
	snap, err := g.ledger.Snapshot(ctx, userID, ent, t)
	if err != nil {
		return nil, err
	}
	if !admits(snap) {
		return snap, &QuotaExceededError{Snapshot: snap}
	}
	return snap, nil
}

// Usage returns the user's entitlement and today's limits for every generation type
func (g *Gate) Usage(ctx context.Context, userID string) (*UsageReport, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	ent := g.Entitlement(ctx, userID)
	report := &UsageReport{
		Entitlement: ent,
		Limits:      make(map[GenerationType]*LimitsSnapshot, len(GenerationTypes)),
	}
	for _, t := range GenerationTypes {
		snap, err := g.ledger.Snapshot(ctx, userID, ent, t)
		if err != nil {
			return nil, err
		}
		report.Limits[t] = snap
	}
	return report, nil
}

// RequestGeneration admits, invokes and charges one generation session.
//
// The session is charged only when the generator returns at least one item.
// Rejections return *QuotaExceededError without calling the generator;
// generator failures return *InvokeError and empty results ErrEmptyResult,
// neither of which changes the ledger. If the session cannot be recorded the
// items are withheld and the error wraps ErrStorageUnavailable.
func (g *Gate) RequestGeneration(ctx context.Context, userID string, t GenerationType,
	content string) (*GenerationResult, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGenerationType, t)
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrContentMissing
	}

	ent := g.Entitlement(ctx, userID)
	tier := string(ent.TierName())

	adm, err := g.admit(ctx, userID, ent, t)
	if err != nil {
		g.metrics.RecordAdmission(string(t), tier, false)
		return nil, err
	}
	g.metrics.RecordAdmission(string(t), tier, true)

	items, err := g.invoker.Invoke(ctx, t, content, adm.snapshot.ItemsPerSession)
	if err == nil && items.Len() == 0 {
		err = ErrEmptyResult
	}
	if err != nil {
		g.releaseReservation(ctx, adm.reservation)
		return nil, err
	}

	result := &GenerationResult{
		Items:       items,
		Remaining:   Unlimited,
		Entitlement: ent,
	}
	if !ent.Unlimited() {
		result.Remaining, err = g.charge(ctx, userID, ent, t, adm)
		if err != nil {
			return nil, err
		}
	}

	if g.decks != nil {
		result.DeckID = g.saveDeck(ctx, userID, items)
	}
	return result, nil
}

type admission struct {
	snapshot    *LimitsSnapshot
	reservation *Reservation
}

func admits(snap *LimitsSnapshot) bool {
	return snap.Unlimited || snap.Remaining > 0
}

func (g *Gate) admit(ctx context.Context, userID string, ent *Entitlement, t GenerationType) (*admission, error) {
	snap, err := g.ledger.Snapshot(ctx, userID, ent, t)
	if err != nil {
		g.logger.Error("quota check failed, rejecting generation", userField(userID), typeField(t), errField(err))
		return nil, err
	}
	if !admits(snap) {
		g.logger.Info("generation rejected, daily limit reached", userField(userID), typeField(t),
			Field{Key: "used", Value: snap.Used})
		return nil, &QuotaExceededError{Snapshot: snap}
	}
	if !g.reserve {
		return &admission{snapshot: snap}, nil
	}

	res, ok, err := g.ledger.Reserve(ctx, userID, ent, t)
	if err != nil {
		g.logger.Error("quota reservation failed, rejecting generation", userField(userID), typeField(t), errField(err))
		return nil, err
	}
	if !ok {
		// Lost the race for the last session.
		snap.Used = res.Used
		snap.Remaining = g.ledger.RemainingAfter(res.Used)
		return nil, &QuotaExceededError{Snapshot: snap}
	}
	return &admission{snapshot: snap, reservation: res}, nil
}

// charge debits the session after a successful generation and returns the sessions left.
// The write outlives caller cancellation so completed work is always paid for.
// A write that fails twice discards the generation with ErrStorageUnavailable.
func (g *Gate) charge(ctx context.Context, userID string, ent *Entitlement, t GenerationType,
	adm *admission) (Remaining, error) {
	tier := string(ent.TierName())
	if adm.reservation != nil {
		g.metrics.RecordConsumption(string(t), tier, true)
		return g.ledger.RemainingAfter(adm.reservation.Used), nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.chargeTimeout)
	defer cancel()

	used, err := g.ledger.Consume(ctx, userID, ent, t)
	if err != nil {
		g.logger.Warn("failed to record generation session, retrying", userField(userID), typeField(t), errField(err))
		used, err = g.ledger.Consume(ctx, userID, ent, t)
	}
	g.metrics.RecordConsumption(string(t), tier, err == nil)
	if err != nil {
		g.logger.Error("failed to record generation session, discarding result",
			userField(userID), typeField(t), errField(err))
		if errors.Is(err, ErrStorageUnavailable) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return g.ledger.RemainingAfter(used), nil
}

func (g *Gate) releaseReservation(ctx context.Context, res *Reservation) {
	if res == nil || !res.Charged {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.chargeTimeout)
	defer cancel()
	if err := g.ledger.Release(ctx, res); err != nil {
		g.logger.Error("failed to release reserved generation session",
			userField(res.UserID), Field{Key: "periodKey", Value: res.Key.String()}, errField(err))
	}
}

func (g *Gate) saveDeck(ctx context.Context, userID string, items *GeneratedItems) string {
	now, err := g.ledger.Now(ctx)
	if err != nil {
		now = time.Now()
	}
	deck := &Deck{
		ID:        g.newID(),
		UserID:    userID,
		Type:      items.Type,
		Items:     items,
		CreatedAt: now,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.chargeTimeout)
	defer cancel()
	if err := g.decks.SaveDeck(ctx, deck); err != nil {
		g.logger.Error("failed to save generated deck", userField(userID), typeField(items.Type), errField(err))
		return ""
	}
	return deck.ID
}
