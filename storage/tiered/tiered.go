// Package tiered provides a Hot/Cold tiered storage adapter that orchestrates
// fast ephemeral storage (Hot) with durable persistent storage (Cold).
// The Hot store enforces the daily session limit; the Cold store keeps a durable
// copy of every counter change, written synchronously or through a background queue.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) that enforces limits
	Hot genquota.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore)
	Cold genquota.Storage

	// AsyncUsageSync enables non-blocking synchronization of counter changes
	// to Cold. If false, writes are synchronous (slower but safer).
	AsyncUsageSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Cold write fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture:
// - Read-Through: counter reads (Hot, then Cold when Hot fails)
// - Hot-Primary/Audit: counter writes (Hot atomic, then Cold sync or async;
//   Cold alone when Hot fails)
type Storage struct {
	hot  genquota.Storage
	cold genquota.Storage
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncUsageSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncUsageSync {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially to keep causal ordering per user.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// --- Strategy: Read-Through ---

// GetCount implements genquota.Storage. Cold answers when Hot is unavailable.
func (s *Storage) GetCount(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	n, err := s.hot.GetCount(ctx, userID, key)
	if err == nil {
		return n, nil
	}
	return s.cold.GetCount(ctx, userID, key)
}

// --- Strategy: Hot-Primary / Audit ---
//
// Writes go to Cold directly when Hot fails, so a Hot outage never leaves a
// session uncharged while reads are served from Cold. Counts written to Cold
// during the outage are not copied back into Hot.

// Increment implements genquota.Storage
func (s *Storage) Increment(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	n, err := s.hot.Increment(ctx, userID, key)
	if err != nil {
		return s.coldFallback(err, func() (int, error) { return s.cold.Increment(ctx, userID, key) })
	}
	s.syncCold(ctx, func(ctx context.Context) error {
		_, err := s.cold.Increment(ctx, userID, key)
		return err
	})
	return n, nil
}

// IncrementIfBelow implements genquota.Storage. The limit is enforced on Hot only,
// or on Cold while Hot is unavailable. Cold receives a plain increment when Hot
// admits the session.
func (s *Storage) IncrementIfBelow(ctx context.Context, userID string, key genquota.PeriodKey,
	limit int) (int, bool, error) {
	n, ok, err := s.hot.IncrementIfBelow(ctx, userID, key, limit)
	if err != nil {
		s.reportError(fmt.Errorf("tiered storage: hot write failed, using cold: %w", err))
		n, ok, coldErr := s.cold.IncrementIfBelow(ctx, userID, key, limit)
		if coldErr != nil {
			return n, false, errors.Join(err, coldErr)
		}
		return n, ok, nil
	}
	if !ok {
		return n, false, nil
	}
	s.syncCold(ctx, func(ctx context.Context) error {
		_, err := s.cold.Increment(ctx, userID, key)
		return err
	})
	return n, true, nil
}

// Decrement implements genquota.Storage
func (s *Storage) Decrement(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	n, err := s.hot.Decrement(ctx, userID, key)
	if err != nil {
		return s.coldFallback(err, func() (int, error) { return s.cold.Decrement(ctx, userID, key) })
	}
	s.syncCold(ctx, func(ctx context.Context) error {
		_, err := s.cold.Decrement(ctx, userID, key)
		return err
	})
	return n, nil
}

// coldFallback applies a write to Cold after Hot failed with hotErr
func (s *Storage) coldFallback(hotErr error, write func() (int, error)) (int, error) {
	s.reportError(fmt.Errorf("tiered storage: hot write failed, using cold: %w", hotErr))
	n, err := write()
	if err != nil {
		return n, errors.Join(hotErr, err)
	}
	return n, nil
}

// syncCold applies write to Cold. Hot already succeeded, so Cold failures are
// reported but never returned.
func (s *Storage) syncCold(ctx context.Context, write func(context.Context) error) {
	if !s.conf.AsyncUsageSync {
		if err := write(ctx); err != nil {
			s.reportError(fmt.Errorf("tiered storage: sync cold write failed: %w", err))
		}
		return
	}

	// Attempt to enqueue non-blocking
	select {
	case s.syncQueue <- func() error {
		// Background context ensures completion even if the request is canceled
		return write(context.Background())
	}:
	default:
		s.reportError(errors.New("tiered storage: sync queue full, dropping cold write"))
	}
}

// --- TimeSource Support ---

// Now uses Hot store time for consistency (usually Redis TIME).
// Falls back to Cold if Hot doesn't support it, then local time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.hot.(genquota.TimeSource); ok {
		return ts.Now(ctx)
	}
	if ts, ok := s.cold.(genquota.TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}
