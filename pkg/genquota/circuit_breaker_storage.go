package genquota

import (
	"context"
	"fmt"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
// A rejected call surfaces as ErrStorageUnavailable so the gate fails closed.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetCount(ctx context.Context, userID string, key PeriodKey) (int, error) {
	var n int
	err := s.execute(ctx, func() error {
		var e error
		n, e = s.storage.GetCount(ctx, userID, key)
		return e
	})
	return n, err
}

func (s *CircuitBreakerStorage) Increment(ctx context.Context, userID string, key PeriodKey) (int, error) {
	var n int
	err := s.execute(ctx, func() error {
		var e error
		n, e = s.storage.Increment(ctx, userID, key)
		return e
	})
	return n, err
}

func (s *CircuitBreakerStorage) IncrementIfBelow(ctx context.Context, userID string, key PeriodKey,
	limit int) (int, bool, error) {
	var (
		n  int
		ok bool
	)
	err := s.execute(ctx, func() error {
		var e error
		n, ok, e = s.storage.IncrementIfBelow(ctx, userID, key, limit)
		return e
	})
	return n, ok, err
}

func (s *CircuitBreakerStorage) Decrement(ctx context.Context, userID string, key PeriodKey) (int, error) {
	var n int
	err := s.execute(ctx, func() error {
		var e error
		n, e = s.storage.Decrement(ctx, userID, key)
		return e
	})
	return n, err
}

func (s *CircuitBreakerStorage) execute(ctx context.Context, fn func() error) error {
	err := s.cb.Execute(ctx, fn)
	if err == ErrCircuitOpen {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}
