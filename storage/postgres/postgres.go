// Package postgres provides a PostgreSQL implementation of the genquota.Storage interface.
// Counters are single rows updated with INSERT ... ON CONFLICT so every operation
// is one atomic statement. The same pool also backs subscriber and deck records.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/genquota/pkg/billing"
	"github.com/mihaimyh/genquota/pkg/genquota"
)

// Storage implements genquota.Storage, genquota.DeckStore and billing.SubscriberStore
// on top of PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger genquota.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema on New
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	CounterTTL      time.Duration // Counters untouched for this long are deleted

	Logger genquota.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		CounterTTL:      7 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.CounterTTL <= 0 {
		config.CounterTTL = 7 * 24 * time.Hour
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = &genquota.NoopLogger{}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		logger:      logger,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetCount implements genquota.Storage
func (s *Storage) GetCount(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx,
		`SELECT used FROM generation_counters WHERE user_id = $1 AND period_key = $2`,
		userID, key.String()).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return used, nil
}

// Increment implements genquota.Storage
func (s *Storage) Increment(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO generation_counters (user_id, period_key, used, updated_at)
			VALUES ($1, $2, 1, now())
			ON CONFLICT (user_id, period_key)
			DO UPDATE SET used = generation_counters.used + 1, updated_at = now()
			RETURNING used`,
		userID, key.String()).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return used, nil
}

// IncrementIfBelow implements genquota.Storage.
// The conflict update re-checks the predicate against the locked row, so
// concurrent callers cannot push the counter past limit.
func (s *Storage) IncrementIfBelow(ctx context.Context, userID string, key genquota.PeriodKey,
	limit int) (int, bool, error) {
	if limit <= 0 {
		used, err := s.GetCount(ctx, userID, key)
		return used, false, err
	}

	var used int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO generation_counters (user_id, period_key, used, updated_at)
			VALUES ($1, $2, 1, now())
			ON CONFLICT (user_id, period_key)
			DO UPDATE SET used = generation_counters.used + 1, updated_at = now()
			WHERE generation_counters.used < $3
			RETURNING used`,
		userID, key.String(), limit).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		used, err = s.GetCount(ctx, userID, key)
		return used, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment counter: %w", err)
	}
	return used, true, nil
}

// Decrement implements genquota.Storage
func (s *Storage) Decrement(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx,
		`UPDATE generation_counters SET used = GREATEST(used - 1, 0), updated_at = now()
			WHERE user_id = $1 AND period_key = $2
			RETURNING used`,
		userID, key.String()).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to decrement counter: %w", err)
	}
	return used, nil
}

// Now implements genquota.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

// SaveDeck implements genquota.DeckStore
func (s *Storage) SaveDeck(ctx context.Context, deck *genquota.Deck) error {
	if deck == nil || deck.ID == "" || deck.UserID == "" {
		return fmt.Errorf("invalid deck")
	}

	items, err := json.Marshal(deck.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal deck items: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO decks (id, user_id, gen_type, items, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET items = EXCLUDED.items`,
		deck.ID, deck.UserID, string(deck.Type), items, deck.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save deck: %w", err)
	}
	return nil
}

// GetDeck implements genquota.DeckStore
func (s *Storage) GetDeck(ctx context.Context, userID, deckID string) (*genquota.Deck, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, gen_type, items, created_at FROM decks WHERE id = $1 AND user_id = $2`,
		deckID, userID)

	deck, err := scanDeck(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, genquota.ErrDeckNotFound
	}
	return deck, err
}

// ListDecks implements genquota.DeckStore
func (s *Storage) ListDecks(ctx context.Context, userID string) ([]*genquota.Deck, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, gen_type, items, created_at FROM decks
			WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decks: %w", err)
	}
	defer rows.Close()

	var decks []*genquota.Deck
	for rows.Next() {
		deck, err := scanDeck(rows)
		if err != nil {
			return nil, err
		}
		decks = append(decks, deck)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list decks: %w", err)
	}
	return decks, nil
}

func scanDeck(row pgx.Row) (*genquota.Deck, error) {
	var (
		deck    genquota.Deck
		genType string
		items   []byte
	)
	if err := row.Scan(&deck.ID, &deck.UserID, &genType, &items, &deck.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan deck: %w", err)
	}
	deck.Type = genquota.GenerationType(genType)
	deck.Items = &genquota.GeneratedItems{}
	if err := json.Unmarshal(items, deck.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deck items: %w", err)
	}
	return &deck, nil
}

// GetSubscriber implements billing.SubscriberStore
func (s *Storage) GetSubscriber(ctx context.Context, userID string) (*billing.Subscriber, error) {
	var sub billing.Subscriber
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, email, customer_id, subscribed, plan, subscription_end,
				trial_active, trial_start, trial_end, updated_at
			FROM subscribers WHERE user_id = $1`,
		userID).Scan(
		&sub.UserID, &sub.Email, &sub.CustomerID, &sub.Subscribed, &sub.Plan, &sub.SubscriptionEnd,
		&sub.TrialActive, &sub.TrialStart, &sub.TrialEnd, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	return &sub, nil
}

// UpsertSubscriber implements billing.SubscriberStore
func (s *Storage) UpsertSubscriber(ctx context.Context, sub *billing.Subscriber) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscriber")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscribers (user_id, email, customer_id, subscribed, plan, subscription_end,
				trial_active, trial_start, trial_end, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (user_id) DO UPDATE SET
				email = EXCLUDED.email,
				customer_id = EXCLUDED.customer_id,
				subscribed = EXCLUDED.subscribed,
				plan = EXCLUDED.plan,
				subscription_end = EXCLUDED.subscription_end,
				trial_active = EXCLUDED.trial_active,
				trial_start = EXCLUDED.trial_start,
				trial_end = EXCLUDED.trial_end,
				updated_at = EXCLUDED.updated_at`,
		sub.UserID, sub.Email, sub.CustomerID, sub.Subscribed, sub.Plan, sub.SubscriptionEnd,
		sub.TrialActive, sub.TrialStart, sub.TrialEnd, sub.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert subscriber: %w", err)
	}
	return nil
}

// startCleanup runs periodic cleanup of stale counters
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.logger.Warn("counter cleanup failed", genquota.Field{Key: "error", Value: err})
			}
		}
	}
}

// Cleanup deletes counters that have not been touched within CounterTTL.
// Past-day counters are never read again once their day is over.
func (s *Storage) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.CounterTTL)
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM generation_counters WHERE updated_at < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to cleanup counters: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
