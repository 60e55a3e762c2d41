// Package redis provides a Redis implementation of the genquota.Storage interface.
// Conditional updates run as Lua scripts so they are atomic across servers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

// Storage implements genquota.Storage and genquota.TimeSource using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "genquota:")
	KeyPrefix string

	// CounterTTL expires daily counters after they can no longer be read (default: 48 hours).
	// It must exceed one day plus the widest timezone offset in use.
	CounterTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "genquota:",
		CounterTTL: 48 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "genquota:"
	}
	if config.CounterTTL <= 0 {
		config.CounterTTL = 48 * time.Hour
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

func (s *Storage) loadScripts() {
	s.scripts["increment"] = redis.NewScript(`
		local n = redis.call('INCR', KEYS[1])
		if n == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return n
	`)

	s.scripts["incrementIfBelow"] = redis.NewScript(`
		local current = tonumber(redis.call('GET', KEYS[1]) or '0')
		local limit = tonumber(ARGV[1])
		if current >= limit then
			return {current, 0}
		end
		local n = redis.call('INCR', KEYS[1])
		if n == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return {n, 1}
	`)

	s.scripts["decrement"] = redis.NewScript(`
		local current = tonumber(redis.call('GET', KEYS[1]) or '0')
		if current <= 0 then
			return 0
		end
		return redis.call('DECR', KEYS[1])
	`)
}

// GetCount implements genquota.Storage
func (s *Storage) GetCount(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	n, err := s.client.Get(ctx, s.counterKey(userID, key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

// Increment implements genquota.Storage
func (s *Storage) Increment(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	n, err := s.scripts["increment"].Run(ctx, s.client,
		[]string{s.counterKey(userID, key)}, s.config.CounterTTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis increment: %w", err)
	}
	return n, nil
}

// IncrementIfBelow implements genquota.Storage
func (s *Storage) IncrementIfBelow(ctx context.Context, userID string, key genquota.PeriodKey,
	limit int) (int, bool, error) {
	res, err := s.scripts["incrementIfBelow"].Run(ctx, s.client,
		[]string{s.counterKey(userID, key)}, limit, s.config.CounterTTL.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis increment if below: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis increment if below: unexpected result %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

// Decrement implements genquota.Storage
func (s *Storage) Decrement(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	n, err := s.scripts["decrement"].Run(ctx, s.client, []string{s.counterKey(userID, key)}).Int()
	if err != nil {
		return 0, fmt.Errorf("redis decrement: %w", err)
	}
	return n, nil
}

// Now implements genquota.TimeSource using the Redis TIME command,
// so every application server agrees on the current calendar day.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("redis time: %w", err)
	}
	return t.UTC(), nil
}

func (s *Storage) counterKey(userID string, key genquota.PeriodKey) string {
	return s.config.KeyPrefix + userID + ":" + key.String()
}
